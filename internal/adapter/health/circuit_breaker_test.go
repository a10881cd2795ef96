package health

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lunaroute/lunaroute/internal/core/ports"
)

func TestCircuitBreaker_ClosedAllowsByDefault(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Minute, 1)
	assert.True(t, cb.Allow("provider-a"))
	assert.Equal(t, ports.BreakerClosed, cb.State("provider-a"))
}

func TestCircuitBreaker_TripsOpenAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Minute, 1)

	cb.RecordFailure("provider-a")
	cb.RecordFailure("provider-a")
	assert.Equal(t, ports.BreakerClosed, cb.State("provider-a"))

	cb.RecordFailure("provider-a")
	assert.Equal(t, ports.BreakerOpen, cb.State("provider-a"))
	assert.False(t, cb.Allow("provider-a"))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Minute, 1)

	cb.RecordFailure("provider-a")
	cb.RecordFailure("provider-a")
	cb.RecordSuccess("provider-a")
	cb.RecordFailure("provider-a")
	cb.RecordFailure("provider-a")

	assert.Equal(t, ports.BreakerClosed, cb.State("provider-a"))
}

func TestCircuitBreaker_HalfOpenRequiresConsecutiveSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond, 1)

	cb.RecordFailure("provider-a")
	assert.Equal(t, ports.BreakerOpen, cb.State("provider-a"))

	time.Sleep(20 * time.Millisecond)

	assert.True(t, cb.Allow("provider-a"))
	assert.Equal(t, ports.BreakerHalfOpen, cb.State("provider-a"))

	cb.RecordSuccess("provider-a")
	assert.Equal(t, ports.BreakerHalfOpen, cb.State("provider-a"), "one success must not close with successThreshold=2")

	cb.RecordSuccess("provider-a")
	assert.Equal(t, ports.BreakerClosed, cb.State("provider-a"))
}

func TestCircuitBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond, 1)

	cb.RecordFailure("provider-a")
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow("provider-a"))
	assert.Equal(t, ports.BreakerHalfOpen, cb.State("provider-a"))

	cb.RecordFailure("provider-a")
	assert.Equal(t, ports.BreakerOpen, cb.State("provider-a"))
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentTrials(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 10*time.Millisecond, 1)

	cb.RecordFailure("provider-a")
	time.Sleep(20 * time.Millisecond)

	assert.True(t, cb.Allow("provider-a"))
	assert.False(t, cb.Allow("provider-a"), "halfOpenMaxCalls=1 should reject a second concurrent trial")
}

func TestCircuitBreaker_IndependentPerProvider(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Minute, 1)

	cb.RecordFailure("provider-a")
	assert.Equal(t, ports.BreakerOpen, cb.State("provider-a"))
	assert.Equal(t, ports.BreakerClosed, cb.State("provider-b"))
}

func TestCircuitBreaker_FailureCounterSaturates(t *testing.T) {
	cb := NewCircuitBreaker(1<<30, 2, time.Minute, 1)
	state := cb.stateFor("provider-a")

	state.failures = math.MaxInt64
	cb.RecordFailure("provider-a")

	assert.Equal(t, int64(math.MaxInt64), state.failures,
		"a saturated counter must stay pinned rather than wrap negative")
}

