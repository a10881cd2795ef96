package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

func TestMonitor_UnknownBeforeMinSamples(t *testing.T) {
	m := NewMonitor(time.Minute, 5)
	m.RecordOutcome("provider-a", true)
	m.RecordOutcome("provider-a", true)
	assert.Equal(t, domain.ProviderUnknown, m.Status("provider-a"))
}

func TestMonitor_HealthyOnAllSuccesses(t *testing.T) {
	m := NewMonitor(time.Minute, 5)
	for i := 0; i < 10; i++ {
		m.RecordOutcome("provider-a", true)
	}
	assert.Equal(t, domain.ProviderHealthy, m.Status("provider-a"))
}

func TestMonitor_UnhealthyOnAllFailures(t *testing.T) {
	m := NewMonitor(time.Minute, 5)
	for i := 0; i < 10; i++ {
		m.RecordOutcome("provider-a", false)
	}
	assert.Equal(t, domain.ProviderUnhealthy, m.Status("provider-a"))
}

func TestMonitor_DegradesAsFailuresIncrease(t *testing.T) {
	m := NewMonitor(time.Minute, 5)
	for i := 0; i < 8; i++ {
		m.RecordOutcome("provider-a", true)
	}
	for i := 0; i < 2; i++ {
		m.RecordOutcome("provider-a", false)
	}
	assert.Equal(t, domain.ProviderBusy, m.Status("provider-a"))
}

func TestMonitor_WindowExpiresOldSamples(t *testing.T) {
	m := NewMonitor(20*time.Millisecond, 3)
	for i := 0; i < 5; i++ {
		m.RecordOutcome("provider-a", false)
	}
	assert.Equal(t, domain.ProviderUnhealthy, m.Status("provider-a"))

	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, domain.ProviderUnknown, m.Status("provider-a"), "expired failures should no longer count toward samples")

	for i := 0; i < 5; i++ {
		m.RecordOutcome("provider-a", true)
	}
	assert.Equal(t, domain.ProviderHealthy, m.Status("provider-a"))
}

func TestMonitor_IndependentPerProvider(t *testing.T) {
	m := NewMonitor(time.Minute, 5)
	for i := 0; i < 10; i++ {
		m.RecordOutcome("provider-a", true)
	}
	assert.Equal(t, domain.ProviderUnknown, m.Status("provider-b"))
}
