package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/types"
)

func TestSelectPartitionExplicit(t *testing.T) {
	env := &types.MessageEnvelope{ID: "m1", Partition: 2}
	assert.Equal(t, 2, selectPartition(env, 5))
}

func TestSelectPartitionHashedWhenUnset(t *testing.T) {
	env := &types.MessageEnvelope{ID: "m1", Partition: -1}
	p1 := selectPartition(env, 5)
	p2 := selectPartition(env, 5)
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, 5)
}

func TestVerifyConsistencyAckAllRequiresMinISR(t *testing.T) {
	err := verifyConsistency(AckAll, ConsistencyAsync, 1, 3, 2)
	assert.ErrorIs(t, err, buserr.ErrConsistencyError)

	err = verifyConsistency(AckAll, ConsistencyAsync, 2, 3, 2)
	assert.NoError(t, err)
}

func TestVerifyConsistencyQuorum(t *testing.T) {
	err := verifyConsistency(AckOne, ConsistencyQuorum, 1, 3, 1)
	assert.ErrorIs(t, err, buserr.ErrConsistencyError)

	err = verifyConsistency(AckOne, ConsistencyQuorum, 2, 3, 1)
	assert.NoError(t, err)
}

func TestVerifyConsistencyAckNoneSkipsChecks(t *testing.T) {
	err := verifyConsistency(AckNone, ConsistencySync, 0, 3, 2)
	assert.NoError(t, err, "acks=0 is fire-and-forget regardless of consistency strategy")
}
