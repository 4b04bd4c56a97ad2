package storage

import (
	"hash/fnv"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/types"
)

// selectPartition honors an explicit envelope partition, else hashes the
// message id over the live partition count.
func selectPartition(env *types.MessageEnvelope, partitions int) int {
	if env.Partition >= 0 && partitions > 0 {
		return env.Partition % partitions
	}
	if partitions == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(env.ID))
	return int(h.Sum32()) % partitions
}

// verifyConsistency checks the post-append ISR against the configured
// acks level and consistency strategy, returning CONSISTENCY_ERROR when
// the requirement is not met.
func verifyConsistency(acks AckLevel, strategy ConsistencyStrategy, isrSize, replicationFactor, minISR int) error {
	switch acks {
	case AckNone:
		return nil
	case AckOne:
		// leader ack only; no ISR requirement.
	case AckAll:
		if isrSize < minISR {
			return buserr.ErrConsistencyError
		}
	}

	switch strategy {
	case ConsistencyQuorum:
		if isrSize <= replicationFactor/2 {
			return buserr.ErrConsistencyError
		}
	case ConsistencySync:
		if isrSize < replicationFactor {
			return buserr.ErrConsistencyError
		}
	case ConsistencyAsync:
		// no verification.
	}
	return nil
}
