// Package processor implements the priority-aware message processor: four
// bounded priority queues, a worker pool, a batch accumulator, and retry
// with backoff.
package processor

import (
	"time"

	"github.com/cuemby/meshbus/pkg/envelope"
	"github.com/cuemby/meshbus/pkg/types"
)

// Config is the processor's closed option set, per spec.md §9.
type Config struct {
	BatchSize            int
	BatchTimeout         time.Duration
	MaxBatchSize         int
	CompressionEnabled   bool
	CompressionType      types.CompressionKind
	CompressionThreshold int
	WorkerThreads        int
	MaxQueueSize         int
	MemoryPoolSize       int
	MaxRetries           int
	RetryDelay           time.Duration
	ExponentialBackoff   bool
	MetricsEnabled       bool
	StatsInterval        time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight envelopes.
	DrainTimeout time.Duration

	// PollBackoff bounds how long a worker parks when all queues are empty.
	PollBackoff time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            50,
		BatchTimeout:         5 * time.Second,
		MaxBatchSize:         500,
		CompressionEnabled:   true,
		CompressionType:      types.CompressionGZIP,
		CompressionThreshold: 1024,
		WorkerThreads:        4,
		MaxQueueSize:         10000,
		MemoryPoolSize:       256,
		MaxRetries:           3,
		RetryDelay:           100 * time.Millisecond,
		ExponentialBackoff:   true,
		MetricsEnabled:       true,
		StatsInterval:        60 * time.Second,
		DrainTimeout:         10 * time.Second,
		PollBackoff:          20 * time.Millisecond,
	}
}

func (c Config) codecConfig() envelope.Config {
	return envelope.Config{
		CompressionEnabled:   c.CompressionEnabled,
		CompressionType:      c.CompressionType,
		CompressionThreshold: c.CompressionThreshold,
		MemoryPoolSize:       c.MemoryPoolSize,
	}
}
