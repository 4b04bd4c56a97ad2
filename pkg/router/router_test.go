package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/rng"
	"github.com/cuemby/meshbus/pkg/types"
)

func testRouterConfig() Config {
	cfg := DefaultConfig()
	cfg.BreakerTimeout = 100 * time.Millisecond
	cfg.FailureThreshold = 5
	return cfg
}

func testEnv() *types.MessageEnvelope {
	return &types.MessageEnvelope{ID: "m1", Topic: "alerts", Priority: types.PriorityNormal, Attributes: map[string]string{}}
}

func TestRoundRobinCyclesEndpoints(t *testing.T) {
	cfg := testRouterConfig()
	cfg.DefaultStrategy = StrategyRoundRobin
	r := New(cfg, clock.Real, rng.NewMathRand(1))

	a := NewEndpoint("a", "a", "10.0.0.1", 9000, 1, 10, cfg)
	b := NewEndpoint("b", "b", "10.0.0.2", 9000, 1, 10, cfg)
	require.NoError(t, r.RegisterEndpoint(a))
	require.NoError(t, r.RegisterEndpoint(b))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		ep, err := r.Route(testEnv(), RouteContext{})
		require.NoError(t, err)
		seen[ep.ID]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestNoRouteWhenNoEndpoints(t *testing.T) {
	r := New(testRouterConfig(), clock.Real, rng.NewMathRand(1))
	_, err := r.Route(testEnv(), RouteContext{})
	assert.ErrorIs(t, err, buserr.ErrNoRoute)
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cfg := testRouterConfig()
	cfg.FailureThreshold = 3
	cfg.BreakerTimeout = 20 * time.Millisecond
	r := New(cfg, clock.Real, rng.NewMathRand(1))

	ep := NewEndpoint("e1", "e1", "10.0.0.1", 9000, 1, 10, cfg)
	require.NoError(t, r.RegisterEndpoint(ep))

	for i := 0; i < 3; i++ {
		got, err := r.Route(testEnv(), RouteContext{})
		require.NoError(t, err)
		r.Release(got, false, time.Millisecond)
	}

	_, err := r.Route(testEnv(), RouteContext{})
	assert.ErrorIs(t, err, buserr.ErrNoRoute, "breaker should be open, excluding the only endpoint")

	time.Sleep(30 * time.Millisecond)

	got, err := r.Route(testEnv(), RouteContext{})
	require.NoError(t, err, "after timeout, one probe should be admitted")
	r.Release(got, true, time.Millisecond)

	got2, err := r.Route(testEnv(), RouteContext{})
	require.NoError(t, err)
	assert.Equal(t, "e1", got2.ID)
}

func TestStickySessionReusesEndpoint(t *testing.T) {
	cfg := testRouterConfig()
	cfg.StickySessions = true
	cfg.SessionTimeout = time.Minute
	r := New(cfg, clock.Real, rng.NewMathRand(1))

	a := NewEndpoint("a", "a", "10.0.0.1", 9000, 1, 10, cfg)
	b := NewEndpoint("b", "b", "10.0.0.2", 9000, 1, 10, cfg)
	require.NoError(t, r.RegisterEndpoint(a))
	require.NoError(t, r.RegisterEndpoint(b))

	first, err := r.Route(testEnv(), RouteContext{SessionID: "sess-1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := r.Route(testEnv(), RouteContext{SessionID: "sess-1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestFailoverToDegradedEndpoint(t *testing.T) {
	cfg := testRouterConfig()
	r := New(cfg, clock.Real, rng.NewMathRand(1))

	ep := NewEndpoint("d1", "d1", "10.0.0.1", 9000, 1, 10, cfg)
	ep.Status = types.EndpointDegraded
	ep.HealthScore = 0.4
	require.NoError(t, r.RegisterEndpoint(ep))

	got, err := r.Route(testEnv(), RouteContext{})
	require.NoError(t, err)
	assert.Equal(t, "d1", got.ID)
}

func TestHashBasedStrategyIsDeterministic(t *testing.T) {
	cfg := testRouterConfig()
	cfg.DefaultStrategy = StrategyHashBased
	cfg.HashKeyField = "topic"
	r := New(cfg, clock.Real, rng.NewMathRand(1))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.RegisterEndpoint(NewEndpoint(id, id, "10.0.0.1", 9000, 1, 10, cfg)))
	}

	env := testEnv()
	first, err := r.Route(env, RouteContext{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Route(env, RouteContext{})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestApplyProbeResultMarksDegraded(t *testing.T) {
	cfg := testRouterConfig()
	ep := NewEndpoint("e1", "e1", "10.0.0.1", 9000, 1, 10, cfg)
	r := New(cfg, clock.Real, rng.NewMathRand(1))

	for i := 0; i < 3; i++ {
		r.ApplyProbeResult(ep, false, 0)
	}
	assert.Equal(t, types.EndpointDegraded, ep.Status)
	assert.Less(t, ep.HealthScore, 0.3)
}
