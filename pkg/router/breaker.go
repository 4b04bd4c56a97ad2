package router

import (
	"sync"
	"time"

	"github.com/cuemby/meshbus/pkg/types"
)

// breaker implements the per-endpoint circuit breaker state machine:
// CLOSED -> OPEN after failureThreshold consecutive failures; OPEN -> one
// HALF_OPEN probe after timeout elapses; HALF_OPEN -> CLOSED on success or
// back to OPEN on failure.
type breaker struct {
	mu sync.Mutex

	state            types.BreakerState
	failureThreshold int
	timeout          time.Duration

	failureCount int
	nextAttempt  time.Time
	probing      bool
}

func newBreaker(failureThreshold int, timeout time.Duration) *breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &breaker{
		state:            types.BreakerClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
	}
}

// stateAt returns the externally-visible state at time now, lazily
// transitioning OPEN -> HALF_OPEN when the timeout has elapsed but not yet
// admitting a probe (that only happens via allow).
func (b *breaker) stateAt(now time.Time) types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == types.BreakerOpen && !now.Before(b.nextAttempt) {
		return types.BreakerHalfOpen
	}
	return b.state
}

// allow reports whether a request may proceed to this endpoint at time now,
// admitting exactly one concurrent probe while HALF_OPEN.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		return true
	case types.BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	case types.BreakerOpen:
		if now.Before(b.nextAttempt) {
			return false
		}
		b.state = types.BreakerHalfOpen
		b.probing = true
		return true
	default:
		return false
	}
}

// recordSuccess resets the failure counter; a HALF_OPEN probe success
// closes the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.probing = false
	b.state = types.BreakerClosed
}

// recordFailure increments the failure counter; at threshold (or on a
// failed HALF_OPEN probe) the breaker opens for timeout.
func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == types.BreakerHalfOpen {
		b.state = types.BreakerOpen
		b.nextAttempt = now.Add(b.timeout)
		return
	}

	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.state = types.BreakerOpen
		b.nextAttempt = now.Add(b.timeout)
	}
}
