// Package router implements the smart router: endpoint registry, pluggable
// selection strategies, per-endpoint circuit breakers, sticky sessions and
// failover.
package router

import "time"

// Strategy names the pluggable endpoint-selection algorithm.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyHashBased          Strategy = "hash_based"
	StrategyPriorityBased      Strategy = "priority_based"
	StrategyContentBased       Strategy = "content_based"
)

// Config is the router's closed option set.
type Config struct {
	DefaultStrategy       Strategy
	HealthCheckEnabled    bool
	HealthCheckInterval   time.Duration
	FailoverEnabled       bool
	CircuitBreakerEnabled bool
	FailureThreshold      int
	BreakerTimeout        time.Duration
	StickySessions        bool
	SessionTimeout        time.Duration
	MetricsEnabled        bool

	// HealthProbeSlowThreshold separates a "fast ok" from a "slow ok" probe
	// outcome when adjusting health_score.
	HealthProbeSlowThreshold time.Duration

	// HashKeyField selects what the hash-based strategy hashes:
	// "topic", "message_id", or "attribute:<name>".
	HashKeyField string

	MaxEndpoints int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:          StrategyRoundRobin,
		HealthCheckEnabled:       true,
		HealthCheckInterval:      30 * time.Second,
		FailoverEnabled:          true,
		CircuitBreakerEnabled:    true,
		FailureThreshold:         5,
		BreakerTimeout:           60 * time.Second,
		StickySessions:           false,
		SessionTimeout:           300 * time.Second,
		MetricsEnabled:           true,
		HealthProbeSlowThreshold: 200 * time.Millisecond,
		HashKeyField:             "topic",
		MaxEndpoints:             256,
	}
}
