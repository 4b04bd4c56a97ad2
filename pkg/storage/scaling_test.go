package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/meshbus/pkg/types"
)

func TestScaleEligibleAboveThreshold(t *testing.T) {
	meta := &types.TopicMetadata{
		Partitions:       3,
		MessageCount:     2_700_000, // 900k per partition: message ratio 0.9 of the 1M cap, weighted usage 0.3*0.9 = 0.27
		TotalSizeBytes:   0,
		ThroughputPerSec: 0,
	}
	assert.True(t, scaleEligible(meta, 0.2))
}

func TestScaleTargetBoundedByDoublingAndMax(t *testing.T) {
	meta := &types.TopicMetadata{
		Partitions:       3,
		MessageCount:     3_000_000,
		TotalSizeBytes:   3 << 30,
		ThroughputPerSec: 30_000,
	}
	target := scaleTarget(meta, 0.8, 100)
	assert.GreaterOrEqual(t, target, 4)
	assert.LessOrEqual(t, target, 6) // min(2*3, 100)
}

func TestScaleTargetCappedByMaxPartitions(t *testing.T) {
	meta := &types.TopicMetadata{Partitions: 50, MessageCount: 1_000_000, TotalSizeBytes: 1 << 30, ThroughputPerSec: 10_000}
	target := scaleTarget(meta, 0.8, 60)
	assert.LessOrEqual(t, target, 60)
	assert.Greater(t, target, 50)
}
