package storage

import "github.com/cuemby/meshbus/pkg/types"

// evaluateTopicHealth classifies a topic by the fraction of partitions
// that are under-replicated or leaderless: HEALTHY if none, DEGRADED if
// under 30%, else UNAVAILABLE.
func evaluateTopicHealth(meta *types.TopicMetadata, minISR int, healthyBrokerIDs map[string]struct{}) types.TopicStatus {
	if meta.Partitions == 0 {
		return types.TopicHealthy
	}

	var troubled int
	for p := 0; p < meta.Partitions; p++ {
		if len(meta.PartitionISR[p]) < minISR {
			troubled++
			continue
		}
		leader, ok := meta.PartitionLeaders[p]
		if !ok {
			troubled++
			continue
		}
		if _, healthy := healthyBrokerIDs[leader]; !healthy {
			troubled++
		}
	}

	if troubled == 0 {
		return types.TopicHealthy
	}
	ratio := float64(troubled) / float64(meta.Partitions)
	if ratio < 0.3 {
		return types.TopicDegraded
	}
	return types.TopicUnavailable
}
