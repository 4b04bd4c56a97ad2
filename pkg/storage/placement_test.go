package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/types"
)

func broker(id, rack string) *types.BrokerMetadata {
	return &types.BrokerMetadata{ID: id, Rack: rack, Status: types.BrokerHealthy, LastSeenMs: time.Now().UnixMilli()}
}

func TestHealthyBrokersSortedByLoad(t *testing.T) {
	a := broker("a", "")
	a.CPUPct, a.MemPct, a.DiskPct = 80, 80, 80
	b := broker("b", "")
	b.CPUPct, b.MemPct, b.DiskPct = 10, 10, 10
	stale := broker("c", "")
	stale.LastSeenMs = time.Now().Add(-2 * time.Minute).UnixMilli()

	out := healthyBrokers([]*types.BrokerMetadata{a, b, stale}, time.Now())
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].ID)
	assert.Equal(t, "a", out[1].ID)
}

func TestPlacePartitionsInsufficientBrokers(t *testing.T) {
	brokers := []*types.BrokerMetadata{broker("a", "")}
	_, _, err := placePartitions(3, 2, brokers)
	assert.ErrorIs(t, err, buserr.ErrInsufficientBrokers)
}

func TestPlacePartitionsPrefersDifferentRack(t *testing.T) {
	brokers := []*types.BrokerMetadata{
		broker("leader", "rack-a"),
		broker("same-rack", "rack-a"),
		broker("other-rack", "rack-b"),
	}
	leaders, replicas, err := placePartitions(1, 2, brokers)
	require.NoError(t, err)
	assert.Equal(t, "leader", leaders[0])
	assert.Contains(t, replicas[0], "other-rack")
	assert.NotContains(t, replicas[0], "same-rack")
}

func TestNeedsRebalanceDueToISR(t *testing.T) {
	meta := &types.TopicMetadata{
		Partitions:        2,
		ReplicationFactor: 2,
		PartitionISR:      map[int][]string{0: {"a"}, 1: {"a", "b"}},
		PartitionReplicas: map[int][]string{0: {"a", "b"}, 1: {"a", "b"}},
	}
	healthy := []*types.BrokerMetadata{broker("a", ""), broker("b", "")}
	assert.True(t, needsRebalance(meta, 2, healthy))
}
