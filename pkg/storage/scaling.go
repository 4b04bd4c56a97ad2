package storage

import "github.com/cuemby/meshbus/pkg/types"

// partitionUsage combines normalized message count, size, and throughput
// into a single weighted usage ratio in [0, weightSum], per the usage
// weighting constants.
func partitionUsage(messageCount, sizeBytes int64, throughputPerSec float64) float64 {
	msgRatio := clampRatio(float64(messageCount) / usageCapMessages)
	sizeRatio := clampRatio(float64(sizeBytes) / usageCapSizeBytes)
	throughputRatio := clampRatio(throughputPerSec / usageCapThroughput)
	return usageWeightMessages*msgRatio + usageWeightSize*sizeRatio + usageWeightThroughput*throughputRatio
}

func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// scaleEligible reports whether more than half of a topic's partitions
// exceed scaleThreshold usage, assuming a uniform per-partition usage
// estimate derived from the topic's aggregate counters (the substrate
// does not expose per-partition telemetry in this core).
func scaleEligible(meta *types.TopicMetadata, scaleThreshold float64) bool {
	if meta.Partitions == 0 {
		return false
	}
	perPartitionMsgs := meta.MessageCount / int64(meta.Partitions)
	perPartitionBytes := meta.TotalSizeBytes / int64(meta.Partitions)
	perPartitionThroughput := meta.ThroughputPerSec / float64(meta.Partitions)
	usage := partitionUsage(perPartitionMsgs, perPartitionBytes, perPartitionThroughput)
	return usage > scaleThreshold
}

// scaleTarget computes the new partition count per the target formula,
// bounded above by current×2 and maxPartitions, and strictly greater than
// current.
func scaleTarget(meta *types.TopicMetadata, scaleThreshold float64, maxPartitions int) int {
	totalUsage := partitionUsage(meta.MessageCount, meta.TotalSizeBytes, meta.ThroughputPerSec)
	denom := scaleThreshold * 0.7
	if denom <= 0 {
		denom = 0.01
	}
	target := int(totalUsage / denom)

	ceiling := meta.Partitions * 2
	if maxPartitions < ceiling {
		ceiling = maxPartitions
	}
	if target > ceiling {
		target = ceiling
	}
	if target <= meta.Partitions {
		target = meta.Partitions + 1
	}
	if target > maxPartitions {
		target = maxPartitions
	}
	return target
}
