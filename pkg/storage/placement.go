package storage

import (
	"sort"
	"time"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/types"
)

// healthyBrokers returns brokers considered healthy as of now, sorted
// ascending by load score.
func healthyBrokers(brokers []*types.BrokerMetadata, now time.Time) []*types.BrokerMetadata {
	var out []*types.BrokerMetadata
	for _, b := range brokers {
		if b.Healthy(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadScore() < out[j].LoadScore() })
	return out
}

// placePartitions assigns leader and replica brokers for every partition of
// a topic, preferring rack diversity for non-leader replicas.
func placePartitions(partitions int, replicationFactor int, brokers []*types.BrokerMetadata) (
	leaders map[int]string, replicas map[int][]string, err error,
) {
	if len(brokers) < replicationFactor {
		return nil, nil, buserr.ErrInsufficientBrokers
	}

	leaders = make(map[int]string, partitions)
	replicas = make(map[int][]string, partitions)

	for p := 0; p < partitions; p++ {
		leader := brokers[p%len(brokers)]
		leaders[p] = leader.ID
		assigned := []string{leader.ID}

		diffRack := make([]*types.BrokerMetadata, 0, len(brokers))
		sameRack := make([]*types.BrokerMetadata, 0, len(brokers))
		for _, b := range brokers {
			if b.ID == leader.ID {
				continue
			}
			if leader.Rack != "" && b.Rack != leader.Rack {
				diffRack = append(diffRack, b)
			} else {
				sameRack = append(sameRack, b)
			}
		}

		candidates := append(append([]*types.BrokerMetadata{}, diffRack...), sameRack...)
		for _, c := range candidates {
			if len(assigned) >= replicationFactor {
				break
			}
			assigned = append(assigned, c.ID)
		}
		replicas[p] = assigned
	}

	return leaders, replicas, nil
}

// needsRebalance evaluates the decision surface from the rebalance
// criteria: insufficient healthy brokers, under-replicated ISR, or load
// spread across brokers exceeding 30% of the healthy broker count.
func needsRebalance(meta *types.TopicMetadata, minISR int, healthy []*types.BrokerMetadata) bool {
	if len(healthy) < meta.ReplicationFactor {
		return true
	}
	for p := 0; p < meta.Partitions; p++ {
		if len(meta.PartitionISR[p]) < minISR {
			return true
		}
	}
	return partitionSpread(meta, healthy) > 0.3*float64(len(healthy))
}

func partitionSpread(meta *types.TopicMetadata, healthy []*types.BrokerMetadata) float64 {
	if len(healthy) == 0 {
		return 0
	}
	counts := make(map[string]int, len(healthy))
	for _, b := range healthy {
		counts[b.ID] = 0
	}
	for _, replicas := range meta.PartitionReplicas {
		for _, id := range replicas {
			if _, ok := counts[id]; ok {
				counts[id]++
			}
		}
	}
	min, max := -1, -1
	for _, c := range counts {
		if min == -1 || c < min {
			min = c
		}
		if max == -1 || c > max {
			max = c
		}
	}
	if min == -1 {
		return 0
	}
	return float64(max - min)
}
