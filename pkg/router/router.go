package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/log"
	"github.com/cuemby/meshbus/pkg/metrics"
	"github.com/cuemby/meshbus/pkg/rng"
	"github.com/cuemby/meshbus/pkg/types"
)

// RouteContext carries per-call routing hints: an optional sticky session
// id, an explicit strategy override, and an opaque context map consulted by
// content-based rule conditions.
type RouteContext struct {
	SessionID string
	Strategy  Strategy
	Context   map[string]string
}

// Probe is the pluggable health-probe contract: it reports whether an
// endpoint answered and how long that took.
type Probe func(ctx context.Context, ep *Endpoint) (ok bool, latency time.Duration, err error)

// Router selects exactly one endpoint per envelope, guarded by health,
// load, stickiness and circuit state.
type Router struct {
	cfg   Config
	clock clock.Clock
	rng   rng.Source
	log   zerolog.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	rules     []types.RoutingRule

	rrCounter uint64
	sessions  *sessionTable

	statsMu       sync.Mutex
	routedByStrat map[Strategy]int64
	successes     map[string]int64
	failures      map[string]int64
	failoversTot  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Router with no endpoints registered.
func New(cfg Config, clk clock.Clock, source rng.Source) *Router {
	if clk == nil {
		clk = clock.Real
	}
	if source == nil {
		source = rng.NewMathRand(time.Now().UnixNano())
	}
	return &Router{
		cfg:           cfg,
		clock:         clk,
		rng:           source,
		log:           log.WithComponent("router"),
		endpoints:     make(map[string]*Endpoint),
		sessions:      newSessionTable(),
		routedByStrat: make(map[Strategy]int64),
		successes:     make(map[string]int64),
		failures:      make(map[string]int64),
	}
}

// RegisterEndpoint adds or replaces an endpoint in the registry.
func (r *Router) RegisterEndpoint(ep *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.endpoints) >= r.cfg.MaxEndpoints {
		if _, exists := r.endpoints[ep.ID]; !exists {
			return buserr.New(buserr.KindInvalidConfig, "max endpoints exceeded", nil)
		}
	}
	r.endpoints[ep.ID] = ep
	return nil
}

// RemoveEndpoint drops an endpoint from the registry.
func (r *Router) RemoveEndpoint(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, id)
}

// SetRules replaces the content-based routing rule set.
func (r *Router) SetRules(rules []types.RoutingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
}

func (r *Router) snapshotAll(now time.Time) []snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]snapshot, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.snapshot(now))
	}
	return out
}

// Route selects exactly one endpoint for env, honoring sticky sessions,
// the configured or overridden strategy, and failover.
func (r *Router) Route(env *types.MessageEnvelope, rctx RouteContext) (*Endpoint, error) {
	now := r.clock.Now()
	all := r.snapshotAll(now)

	if r.cfg.StickySessions && rctx.SessionID != "" {
		if epID, ok := r.sessions.lookup(rctx.SessionID, now, r.cfg.SessionTimeout); ok {
			for _, s := range all {
				if s.ep.ID == epID && s.isAvailable() {
					return s.ep, nil
				}
			}
		}
	}

	available := filterAvailable(all)
	strategy := rctx.Strategy
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}

	if ep := r.selectWithBreakerGate(strategy, env, rctx, available, now); ep != nil {
		r.recordRouted(strategy)
		r.bindSticky(rctx.SessionID, ep.ID, now)
		return ep, nil
	}

	if !r.cfg.FailoverEnabled {
		return nil, buserr.New(buserr.KindNoRoute, "no endpoint available", nil)
	}

	if ep := r.failoverDegraded(all, now); ep != nil {
		r.statsMu.Lock()
		r.failoversTot++
		r.statsMu.Unlock()
		if r.cfg.MetricsEnabled {
			metrics.FailoversTotal.Inc()
		}
		r.bindSticky(rctx.SessionID, ep.ID, now)
		return ep, nil
	}

	return nil, buserr.New(buserr.KindNoRoute, "no endpoint available", nil)
}

// selectWithBreakerGate runs the chosen strategy, retrying against a
// shrinking candidate set when the winning endpoint's breaker denies the
// attempt (a HALF_OPEN probe slot already taken by a concurrent caller).
func (r *Router) selectWithBreakerGate(strategy Strategy, env *types.MessageEnvelope, rctx RouteContext, available []snapshot, now time.Time) *Endpoint {
	candidates := available
	for len(candidates) > 0 {
		ep := r.runStrategy(strategy, env, rctx, candidates)
		if ep == nil {
			return nil
		}
		if !r.cfg.CircuitBreakerEnabled || ep.breaker.allow(now) {
			return ep
		}
		candidates = removeEndpoint(candidates, ep.ID)
	}
	return nil
}

func (r *Router) runStrategy(strategy Strategy, env *types.MessageEnvelope, rctx RouteContext, snaps []snapshot) *Endpoint {
	switch strategy {
	case StrategyWeightedRoundRobin:
		return selectWeightedRoundRobin(snaps)
	case StrategyLeastConnections:
		return selectLeastConnections(snaps)
	case StrategyHashBased:
		return selectHashBased(env, r.cfg.HashKeyField, snaps)
	case StrategyPriorityBased:
		return selectPriorityBased(env, snaps, r.rng)
	case StrategyContentBased:
		r.mu.RLock()
		rules := r.rules
		r.mu.RUnlock()
		return selectContentBased(env, rctx.Context, rules, snaps, r.rng)
	case StrategyRoundRobin:
		fallthrough
	default:
		return selectRoundRobin(&r.rrCounter, snaps)
	}
}

// failoverDegraded considers DEGRADED endpoints with health_score>0.3,
// choosing the maximum; the HALF_OPEN-probe failover substep is redundant
// with the availability definition (breaker_state≠OPEN already admits a
// HALF_OPEN probe during normal selection above) so it is not repeated here.
func (r *Router) failoverDegraded(all []snapshot, now time.Time) *Endpoint {
	var best *snapshot
	for i := range all {
		s := all[i]
		if s.status != types.EndpointDegraded || s.healthScore <= 0.3 {
			continue
		}
		if s.breakerState == types.BreakerOpen {
			continue
		}
		if best == nil || s.healthScore > best.healthScore {
			best = &all[i]
		}
	}
	if best == nil {
		return nil
	}
	if r.cfg.CircuitBreakerEnabled && !best.ep.breaker.allow(now) {
		return nil
	}
	return best.ep
}

func filterAvailable(all []snapshot) []snapshot {
	out := make([]snapshot, 0, len(all))
	for _, s := range all {
		if s.isAvailable() {
			out = append(out, s)
		}
	}
	return out
}

func removeEndpoint(snaps []snapshot, id string) []snapshot {
	out := make([]snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.ep.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) bindSticky(sessionID, endpointID string, now time.Time) {
	if r.cfg.StickySessions && sessionID != "" {
		r.sessions.bind(sessionID, endpointID, now)
	}
}

func (r *Router) recordRouted(strategy Strategy) {
	r.statsMu.Lock()
	r.routedByStrat[strategy]++
	r.statsMu.Unlock()
	if r.cfg.MetricsEnabled {
		metrics.RoutedTotal.WithLabelValues(string(strategy)).Inc()
	}
}

// Acquire increments the endpoint's connection counter. It returns no
// handle; the caller releases the connection by passing the same endpoint
// to Release once the send completes.
func (r *Router) Acquire(ep *Endpoint) {
	ep.mu.Lock()
	ep.CurrentConnections++
	ep.mu.Unlock()
}

// Release decrements the connection counter, updates the response-time EMA
// (smoothing factor 0.1, matching the original router), records the
// breaker outcome, and bumps success/failure counters.
func (r *Router) Release(ep *Endpoint, success bool, responseTime time.Duration) {
	ep.mu.Lock()
	if ep.CurrentConnections > 0 {
		ep.CurrentConnections--
	}
	const alpha = 0.1
	rt := responseTime.Seconds() * 1000
	if ep.ResponseTimeEMA == 0 {
		ep.ResponseTimeEMA = rt
	} else {
		ep.ResponseTimeEMA = alpha*rt + (1-alpha)*ep.ResponseTimeEMA
	}
	if success {
		ep.successCount++
	} else {
		ep.failureCount++
	}
	total := ep.successCount + ep.failureCount
	if total > 0 {
		ep.ErrorRateEMA = float64(ep.failureCount) / float64(total)
	}
	ep.mu.Unlock()

	now := r.clock.Now()
	if success {
		ep.breaker.recordSuccess()
		r.statsMu.Lock()
		r.successes[ep.ID]++
		r.statsMu.Unlock()
	} else {
		ep.breaker.recordFailure(now)
		r.statsMu.Lock()
		r.failures[ep.ID]++
		r.statsMu.Unlock()
	}
	if r.cfg.MetricsEnabled {
		metrics.CircuitState.WithLabelValues(ep.ID).Set(breakerStateValue(ep.breaker.stateAt(now)))
	}
}

func breakerStateValue(s types.BreakerState) float64 {
	switch s {
	case types.BreakerClosed:
		return 0
	case types.BreakerHalfOpen:
		return 1
	case types.BreakerOpen:
		return 2
	default:
		return -1
	}
}

// ApplyProbeResult adjusts an endpoint's health_score from a health-probe
// outcome: +0.1 for a fast ok, -0.2 for a slow ok, -0.3 for an error,
// clipped to [0,1]. Crossing below 0.3 marks the endpoint DEGRADED; back at
// or above it restores ACTIVE (unless under MAINTENANCE).
func (r *Router) ApplyProbeResult(ep *Endpoint, ok bool, latency time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch {
	case ok && latency <= r.cfg.HealthProbeSlowThreshold:
		ep.HealthScore += 0.1
	case ok:
		ep.HealthScore -= 0.2
	default:
		ep.HealthScore -= 0.3
	}
	if ep.HealthScore > 1 {
		ep.HealthScore = 1
	}
	if ep.HealthScore < 0 {
		ep.HealthScore = 0
	}

	if ep.Status == types.EndpointMaintenance {
		return
	}
	if ep.HealthScore < 0.3 {
		ep.Status = types.EndpointDegraded
	} else if ep.Status == types.EndpointDegraded {
		ep.Status = types.EndpointActive
	}
}

// RunProbes invokes probe against every registered endpoint and applies the
// result; intended to be called on the coordinator's health-check cadence.
func (r *Router) RunProbes(ctx context.Context, probe Probe) {
	r.mu.RLock()
	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	r.mu.RUnlock()

	for _, ep := range eps {
		ok, latency, err := probe(ctx, ep)
		if err != nil {
			ok = false
		}
		r.ApplyProbeResult(ep, ok, latency)
	}
}

// Stats is a snapshot of routing activity, restoring the original router's
// get_routing_stats() surface.
type Stats struct {
	RoutedByStrategy map[Strategy]int64
	Successes        map[string]int64
	Failures         map[string]int64
	FailoversTotal   int64
	ActiveSessions   int
}

// EndpointHealth is the externally-visible status of one registered
// endpoint, used by callers (e.g. the bus coordinator's health
// aggregator) that need availability and breaker state without reaching
// into routing internals.
type EndpointHealth struct {
	ID      string
	Status  types.EndpointStatus
	Breaker types.BreakerState
}

// Endpoints returns the current status and breaker state of every
// registered endpoint.
func (r *Router) Endpoints() []EndpointHealth {
	snaps := r.snapshotAll(r.clock.Now())
	out := make([]EndpointHealth, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, EndpointHealth{ID: s.ep.ID, Status: s.status, Breaker: s.breakerState})
	}
	return out
}

// Stats returns a snapshot of per-strategy and per-endpoint counters plus
// the active sticky-session count.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := Stats{
		RoutedByStrategy: make(map[Strategy]int64, len(r.routedByStrat)),
		Successes:        make(map[string]int64, len(r.successes)),
		Failures:         make(map[string]int64, len(r.failures)),
		FailoversTotal:   r.failoversTot,
		ActiveSessions:   r.sessions.len(),
	}
	for k, v := range r.routedByStrat {
		out.RoutedByStrategy[k] = v
	}
	for k, v := range r.successes {
		out.Successes[k] = v
	}
	for k, v := range r.failures {
		out.Failures[k] = v
	}
	return out
}

// Start launches the sticky-session sweeper as a cancellable background
// task.
func (r *Router) Start(ctx context.Context) {
	if !r.cfg.StickySessions {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.sweepLoop(runCtx)
}

// Stop cancels the sweeper and waits for it to exit.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Router) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.SessionTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			removed := r.sessions.sweep(r.clock.Now(), r.cfg.SessionTimeout)
			if removed > 0 {
				r.log.Debug().Int("removed", removed).Msg("sticky sessions expired")
			}
		}
	}
}
