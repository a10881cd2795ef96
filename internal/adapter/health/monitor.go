package health

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
)

const (
	DefaultHealthWindow     = 60 * time.Second
	DefaultHealthMinSamples = 5

	healthyThreshold  = 0.95
	degradedThreshold = 0.50
)

type outcome struct {
	at      time.Time
	success bool
}

// outcomeWindow retains outcomes observed within the last window duration,
// pruning as it records so the ratio always reflects the window, not the
// provider's whole history.
type outcomeWindow struct {
	mu      sync.Mutex
	window  time.Duration
	entries []outcome
	head    int // index of the oldest live entry
}

func newOutcomeWindow(window time.Duration) *outcomeWindow {
	return &outcomeWindow{window: window}
}

func (w *outcomeWindow) record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, outcome{at: time.Now(), success: success})
	w.prune()
}

// prune drops entries older than window, assuming entries are
// append-ordered by time (always true since record appends with time.Now()).
func (w *outcomeWindow) prune() {
	cutoff := time.Now().Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *outcomeWindow) ratio() (successRatio float64, samples int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	if len(w.entries) == 0 {
		return 0, 0
	}
	good := 0
	for _, e := range w.entries {
		if e.success {
			good++
		}
	}
	return float64(good) / float64(len(w.entries)), len(w.entries)
}

// Monitor implements ports.HealthMonitor over a sliding time window of
// success/failure outcomes per provider, deriving a coarse
// ProviderHealthStatus the router consults for fallback ranking. It never
// gates admission itself -- CircuitBreaker does that -- Monitor only
// classifies.
type Monitor struct {
	windows    *xsync.Map[string, *outcomeWindow]
	window     time.Duration
	minSamples int
}

var _ ports.HealthMonitor = (*Monitor)(nil)

func NewMonitor(window time.Duration, minSamples int) *Monitor {
	if window <= 0 {
		window = DefaultHealthWindow
	}
	if minSamples <= 0 {
		minSamples = DefaultHealthMinSamples
	}
	return &Monitor{
		windows:    xsync.NewMap[string, *outcomeWindow](),
		window:     window,
		minSamples: minSamples,
	}
}

func (m *Monitor) windowFor(providerID string) *outcomeWindow {
	w, _ := m.windows.LoadOrStore(providerID, newOutcomeWindow(m.window))
	return w
}

func (m *Monitor) RecordOutcome(providerID string, success bool) {
	m.windowFor(providerID).record(success)
}

// Status classifies the provider's recent success ratio:
// Healthy at or above healthyThreshold, Unhealthy at or below
// 1-degradedThreshold, Degraded (mapped to ProviderBusy) in between. Below
// minSamples there isn't enough signal yet, so it reports Unknown.
func (m *Monitor) Status(providerID string) domain.ProviderHealthStatus {
	ratio, samples := m.windowFor(providerID).ratio()
	if samples < m.minSamples {
		return domain.ProviderUnknown
	}
	switch {
	case ratio >= healthyThreshold:
		return domain.ProviderHealthy
	case ratio <= 1-degradedThreshold:
		return domain.ProviderUnhealthy
	default:
		return domain.ProviderBusy
	}
}
