// Package health implements the per-provider circuit breaker and the
// sliding-window health monitor. The breaker is a closed/open/half-open
// state machine held in per-provider atomics; the open -> half-open
// transition is a CAS so only one caller wins it, and half-open requires
// SuccessThreshold consecutive successes before closing.
package health

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/lunaroute/lunaroute/internal/core/ports"
)

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenDuration     = 30 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

type breakerPhase int32

const (
	phaseClosed breakerPhase = iota
	phaseOpen
	phaseHalfOpen
)

// circuitState is the per-provider CAS state machine. halfOpenInFlight caps
// how many trial calls are admitted concurrently while half-open; successes
// must reach successThreshold consecutively before the breaker closes, and
// any half-open failure reopens it immediately.
type circuitState struct {
	phase            int32 // breakerPhase
	failures         int64
	consecutiveGood  int64
	openedAt         int64 // UnixNano
	halfOpenInFlight int64
}

// CircuitBreaker implements ports.CircuitBreaker with one state machine per
// provider, stored in a lock-free map keyed by provider ID.
type CircuitBreaker struct {
	states           *xsync.Map[string, *circuitState]
	failureThreshold int
	successThreshold int
	openDuration     time.Duration
	halfOpenMaxCalls int64
}

var _ ports.CircuitBreaker = (*CircuitBreaker)(nil)

func NewCircuitBreaker(failureThreshold, successThreshold int, openDuration time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if successThreshold <= 0 {
		successThreshold = DefaultSuccessThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return &CircuitBreaker{
		states:           xsync.NewMap[string, *circuitState](),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openDuration:     openDuration,
		halfOpenMaxCalls: int64(halfOpenMaxCalls),
	}
}

func (cb *CircuitBreaker) stateFor(providerID string) *circuitState {
	state, _ := cb.states.LoadOrStore(providerID, &circuitState{})
	return state
}

// saturatingInc adds 1 to addr without ever wrapping: a counter already at
// MaxInt64 stays there, so an arbitrarily long run of outcomes with no
// reset can't overflow into a negative count and confuse the thresholds.
func saturatingInc(addr *int64) int64 {
	for {
		cur := atomic.LoadInt64(addr)
		if cur == math.MaxInt64 {
			return cur
		}
		if atomic.CompareAndSwapInt64(addr, cur, cur+1) {
			return cur + 1
		}
	}
}

// Allow reports whether a call to providerID may proceed, transitioning
// open -> half-open once openDuration has elapsed.
func (cb *CircuitBreaker) Allow(providerID string) bool {
	state := cb.stateFor(providerID)

	switch breakerPhase(atomic.LoadInt32(&state.phase)) {
	case phaseClosed:
		return true
	case phaseHalfOpen:
		if atomic.AddInt64(&state.halfOpenInFlight, 1) <= cb.halfOpenMaxCalls {
			return true
		}
		atomic.AddInt64(&state.halfOpenInFlight, -1)
		return false
	default: // phaseOpen
		openedAt := atomic.LoadInt64(&state.openedAt)
		if time.Since(time.Unix(0, openedAt)) < cb.openDuration {
			return false
		}
		if atomic.CompareAndSwapInt32(&state.phase, int32(phaseOpen), int32(phaseHalfOpen)) {
			atomic.StoreInt64(&state.consecutiveGood, 0)
			atomic.StoreInt64(&state.halfOpenInFlight, 1)
			return true
		}
		return false
	}
}

// RecordSuccess closes the breaker once successThreshold consecutive
// half-open trials succeed; in the closed state it just resets the failure
// counter.
func (cb *CircuitBreaker) RecordSuccess(providerID string) {
	state := cb.stateFor(providerID)

	switch breakerPhase(atomic.LoadInt32(&state.phase)) {
	case phaseHalfOpen:
		good := saturatingInc(&state.consecutiveGood)
		if good >= int64(cb.successThreshold) {
			atomic.StoreInt32(&state.phase, int32(phaseClosed))
			atomic.StoreInt64(&state.failures, 0)
			atomic.StoreInt64(&state.consecutiveGood, 0)
			atomic.StoreInt64(&state.halfOpenInFlight, 0)
		} else if atomic.AddInt64(&state.halfOpenInFlight, -1) < 0 {
			atomic.StoreInt64(&state.halfOpenInFlight, 0)
		}
	default:
		atomic.StoreInt64(&state.failures, 0)
	}
}

// RecordFailure trips the breaker open on failureThreshold consecutive
// closed-state failures, or immediately on any half-open failure.
func (cb *CircuitBreaker) RecordFailure(providerID string) {
	state := cb.stateFor(providerID)

	switch breakerPhase(atomic.LoadInt32(&state.phase)) {
	case phaseHalfOpen:
		cb.trip(state)
	default:
		failures := saturatingInc(&state.failures)
		if failures >= int64(cb.failureThreshold) {
			cb.trip(state)
		}
	}
}

func (cb *CircuitBreaker) trip(state *circuitState) {
	atomic.StoreInt32(&state.phase, int32(phaseOpen))
	atomic.StoreInt64(&state.openedAt, time.Now().UnixNano())
	atomic.StoreInt64(&state.consecutiveGood, 0)
	atomic.StoreInt64(&state.halfOpenInFlight, 0)
}

func (cb *CircuitBreaker) State(providerID string) ports.BreakerState {
	state := cb.stateFor(providerID)
	switch breakerPhase(atomic.LoadInt32(&state.phase)) {
	case phaseOpen:
		return ports.BreakerOpen
	case phaseHalfOpen:
		return ports.BreakerHalfOpen
	default:
		return ports.BreakerClosed
	}
}
