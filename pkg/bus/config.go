// Package bus implements the coordinator that wires the processor, router,
// storage, and security layers into the publish/consume API surface:
// lifecycle management, topic indexing, health aggregation, and
// publish/consume orchestration.
package bus

import (
	"time"

	"github.com/cuemby/meshbus/pkg/types"
)

// Config is the coordinator's closed option set.
type Config struct {
	MaxMessageSize int

	PersistenceEnabled bool

	DefaultMaxBatchConsume int

	HealthCheckInterval time.Duration

	MaxAuditEntries   int
	MaxAPIKeysPerUser int

	MetricsEnabled bool

	BearerIssuer string

	// Compression settings for the publish-time compress-then-encrypt /
	// consume-time decrypt-then-decompress pipeline the coordinator owns
	// itself, independent of the processor's own queue-transit codec.
	CompressionEnabled   bool
	CompressionType      types.CompressionKind
	CompressionThreshold int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:         1 << 20, // 1 MiB
		PersistenceEnabled:     true,
		DefaultMaxBatchConsume: 100,
		HealthCheckInterval:    10 * time.Second,
		MaxAuditEntries:        10_000,
		MaxAPIKeysPerUser:      10,
		MetricsEnabled:         true,
		BearerIssuer:           "meshbus",
		CompressionEnabled:     true,
		CompressionType:        types.CompressionGZIP,
		CompressionThreshold:   1024,
	}
}
