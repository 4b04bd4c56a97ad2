package router

import (
	"sync"
	"time"

	"github.com/cuemby/meshbus/pkg/types"
)

// Endpoint is a logical downstream target, with its own circuit breaker and
// mutable health/load state protected by a coarse per-endpoint lock.
type Endpoint struct {
	mu sync.Mutex

	ID                 string
	Name               string
	Address            string
	Port               int
	Weight             int
	MaxConnections     int
	CurrentConnections int
	Status             types.EndpointStatus
	HealthScore        float64
	ResponseTimeEMA    float64
	ErrorRateEMA       float64

	successCount int64
	failureCount int64

	currentWRRWeight int // smooth weighted round-robin accumulator

	breaker *breaker
}

// NewEndpoint constructs an endpoint in ACTIVE status with a full health
// score and its own circuit breaker.
func NewEndpoint(id, name, address string, port, weight, maxConnections int, cfg Config) *Endpoint {
	if weight < 1 {
		weight = 1
	}
	return &Endpoint{
		ID:             id,
		Name:           name,
		Address:        address,
		Port:           port,
		Weight:         weight,
		MaxConnections: maxConnections,
		Status:         types.EndpointActive,
		HealthScore:    1.0,
		breaker:        newBreaker(cfg.FailureThreshold, cfg.BreakerTimeout),
	}
}

// LoadFactor returns current_connections / max_connections.
func (e *Endpoint) LoadFactor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.MaxConnections == 0 {
		return 0
	}
	return float64(e.CurrentConnections) / float64(e.MaxConnections)
}

// snapshot is an immutable view used by selection strategies, taken under
// the endpoint's own lock so strategies never race with acquire/release.
type snapshot struct {
	ep                 *Endpoint
	currentConnections int
	maxConnections     int
	healthScore        float64
	weight             int
	status             types.EndpointStatus
	breakerState       types.BreakerState
}

func (e *Endpoint) snapshot(now time.Time) snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot{
		ep:                 e,
		currentConnections: e.CurrentConnections,
		maxConnections:      e.MaxConnections,
		healthScore:        e.HealthScore,
		weight:             e.Weight,
		status:             e.Status,
		breakerState:       e.breaker.stateAt(now),
	}
}

// isAvailable mirrors the RouteEndpoint invariant: ACTIVE, health_score>0.5,
// under capacity, and breaker not OPEN.
func (s snapshot) isAvailable() bool {
	return s.status == types.EndpointActive &&
		s.healthScore > 0.5 &&
		s.currentConnections < s.maxConnections &&
		s.breakerState != types.BreakerOpen
}
