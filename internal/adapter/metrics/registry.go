// Package metrics also houses the Prometheus exposition registry consumed
// by GET /metrics: histograms for latencies, counters for
// requests/fallbacks/tool calls/tool failures, and gauges for circuit
// breaker state and provider health. Counters are one keyed xsync.Map per
// label dimension with one atomic per tracked series, shaped into named
// Prometheus metric families and rendered as exposition text directly.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// defaultLatencyBucketsMs are the histogram upper bounds (milliseconds) for
// every latency series this registry tracks; chosen to span a fast
// cache-style hit through a multi-second upstream round trip.
var defaultLatencyBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Registry centralises every counter, gauge source and histogram the
// /metrics endpoint renders. It holds no reference to the router or
// breaker; app.go passes breaker/health snapshots into Render explicitly,
// so this package never references the components it measures.
type Registry struct {
	requestsTotal      *xsync.Map[string, *atomic.Int64] // listener -> count
	fallbackTriggered  *xsync.Map[string, *atomic.Int64] // reason -> count
	toolCallTotal      atomic.Int64
	toolResultFailures *xsync.Map[string, *atomic.Int64] // tool_name -> count
	toolUncorrelated   atomic.Int64
	recordingDropped   atomic.Int64
	latencies          *xsync.Map[string, *histogram] // phase -> histogram
}

func NewRegistry() *Registry {
	return &Registry{
		requestsTotal:      xsync.NewMap[string, *atomic.Int64](),
		fallbackTriggered:  xsync.NewMap[string, *atomic.Int64](),
		toolResultFailures: xsync.NewMap[string, *atomic.Int64](),
		latencies:          xsync.NewMap[string, *histogram](),
	}
}

func counterFor(m *xsync.Map[string, *atomic.Int64], key string) *atomic.Int64 {
	c, _ := m.LoadOrStore(key, &atomic.Int64{})
	return c
}

// IncRequest records one ingested request for a listener dialect.
func (r *Registry) IncRequest(listener string) {
	counterFor(r.requestsTotal, listener).Add(1)
}

// IncFallbackTriggered records one fallback-chain advance away from the
// primary provider, labelled by the reason the previous candidate failed
// (see router.reasonFor's equivalent classification) -- e.g. "rate_limit",
// "upstream_5xx", "circuit_breaker", "timeout".
func (r *Registry) IncFallbackTriggered(reason string) {
	counterFor(r.fallbackTriggered, reason).Add(1)
}

// IncToolCall records one tool_result turn observed on a follow-up request,
// successful or not.
func (r *Registry) IncToolCall() {
	r.toolCallTotal.Add(1)
}

// IncToolResultFailure records a tool_result with is_error:true, labelled by
// tool name ("unknown" when correlation fails).
func (r *Registry) IncToolResultFailure(toolName string) {
	counterFor(r.toolResultFailures, toolName).Add(1)
}

// IncToolUncorrelated counts tool_results whose tool_call_id could not be
// matched to a tool name, so uncorrelated results are visible instead of
// silently folded into "unknown".
func (r *Registry) IncToolUncorrelated() {
	r.toolUncorrelated.Add(1)
}

// IncRecordingDropped records one session event dropped by a full recorder
// channel -- invisible to the client but worth surfacing here.
func (r *Registry) IncRecordingDropped() {
	r.recordingDropped.Add(1)
}

// ObserveLatency records one completed-request latency (milliseconds) under
// a named phase series, e.g. "request_total", "provider_upstream".
func (r *Registry) ObserveLatency(phase string, ms float64) {
	h, _ := r.latencies.LoadOrStore(phase, newHistogram(defaultLatencyBucketsMs))
	h.observe(ms)
}

// BreakerSnapshot and HealthSnapshot are the small views app.go supplies at
// render time so this package never imports the health adapter directly.
type BreakerSnapshot struct {
	ProviderID string
	State      string // "closed" | "open" | "half_open"
}

type HealthSnapshot struct {
	ProviderID string
	Status     string // "healthy" | "degraded" | "unhealthy" | "unknown"
}

// Render writes the full Prometheus text exposition (format 0.0.4) body:
// counters, latency histograms, then one-hot enum gauges for breaker state
// and provider health per provider.
func (r *Registry) Render(w io.Writer, breakers []BreakerSnapshot, health []HealthSnapshot) {
	fmt.Fprintln(w, "# HELP lunaroute_requests_total Total ingress requests accepted, by listener dialect.")
	fmt.Fprintln(w, "# TYPE lunaroute_requests_total counter")
	r.requestsTotal.Range(func(listener string, c *atomic.Int64) bool {
		fmt.Fprintf(w, "lunaroute_requests_total{listener=%q} %d\n", listener, c.Load())
		return true
	})

	fmt.Fprintln(w, "# HELP lunaroute_fallback_triggered_total Fallback-chain advances away from the primary provider, by failure reason.")
	fmt.Fprintln(w, "# TYPE lunaroute_fallback_triggered_total counter")
	r.fallbackTriggered.Range(func(reason string, c *atomic.Int64) bool {
		fmt.Fprintf(w, "lunaroute_fallback_triggered_total{reason=%q} %d\n", reason, c.Load())
		return true
	})

	fmt.Fprintln(w, "# HELP lunaroute_tool_call_total Tool-result turns observed on follow-up requests.")
	fmt.Fprintln(w, "# TYPE lunaroute_tool_call_total counter")
	fmt.Fprintf(w, "lunaroute_tool_call_total %d\n", r.toolCallTotal.Load())

	fmt.Fprintln(w, "# HELP lunaroute_tool_result_failures_total Tool results reported with is_error true, by tool name.")
	fmt.Fprintln(w, "# TYPE lunaroute_tool_result_failures_total counter")
	r.toolResultFailures.Range(func(tool string, c *atomic.Int64) bool {
		fmt.Fprintf(w, "lunaroute_tool_result_failures_total{tool_name=%q} %d\n", tool, c.Load())
		return true
	})

	fmt.Fprintln(w, "# HELP lunaroute_tool_call_uncorrelated_total Tool results whose tool_call_id matched no known prior call.")
	fmt.Fprintln(w, "# TYPE lunaroute_tool_call_uncorrelated_total counter")
	fmt.Fprintf(w, "lunaroute_tool_call_uncorrelated_total %d\n", r.toolUncorrelated.Load())

	fmt.Fprintln(w, "# HELP lunaroute_recording_dropped_total Session events dropped because the recorder channel was full.")
	fmt.Fprintln(w, "# TYPE lunaroute_recording_dropped_total counter")
	fmt.Fprintf(w, "lunaroute_recording_dropped_total %d\n", r.recordingDropped.Load())

	fmt.Fprintln(w, "# HELP lunaroute_request_duration_ms Request latency in milliseconds, by phase.")
	fmt.Fprintln(w, "# TYPE lunaroute_request_duration_ms histogram")
	var phases []string
	r.latencies.Range(func(phase string, _ *histogram) bool {
		phases = append(phases, phase)
		return true
	})
	sort.Strings(phases)
	for _, phase := range phases {
		h, _ := r.latencies.Load(phase)
		h.render(w, phase)
	}

	fmt.Fprintln(w, "# HELP lunaroute_provider_breaker_state Circuit breaker state as a one-hot gauge per provider.")
	fmt.Fprintln(w, "# TYPE lunaroute_provider_breaker_state gauge")
	for _, b := range breakers {
		for _, state := range []string{"closed", "half_open", "open"} {
			v := 0
			if b.State == state {
				v = 1
			}
			fmt.Fprintf(w, "lunaroute_provider_breaker_state{provider=%q,state=%q} %d\n", b.ProviderID, state, v)
		}
	}

	fmt.Fprintln(w, "# HELP lunaroute_provider_health_status Provider health classification as a one-hot gauge per provider.")
	fmt.Fprintln(w, "# TYPE lunaroute_provider_health_status gauge")
	for _, h := range health {
		for _, status := range []string{"healthy", "degraded", "unhealthy", "unknown"} {
			v := 0
			if h.Status == status {
				v = 1
			}
			fmt.Fprintf(w, "lunaroute_provider_health_status{provider=%q,status=%q} %d\n", h.ProviderID, status, v)
		}
	}
}

// histogram is a fixed-bucket cumulative latency histogram. Every field is
// its own atomic: the only mutation is an independent per-bucket increment
// plus a sum/count accumulation, so there is nothing to serialize beyond
// what atomic.Int64 already guarantees per field.
type histogram struct {
	bounds   []float64
	counts   []atomic.Int64
	sumX1000 atomic.Int64 // sum of observed milliseconds, fixed-point *1000
	count    atomic.Int64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, counts: make([]atomic.Int64, len(bounds))}
}

func (h *histogram) observe(ms float64) {
	for i, bound := range h.bounds {
		if ms <= bound {
			h.counts[i].Add(1)
		}
	}
	h.sumX1000.Add(int64(ms * 1000))
	h.count.Add(1)
}

func (h *histogram) render(w io.Writer, phase string) {
	total := h.count.Load()
	for i, bound := range h.bounds {
		fmt.Fprintf(w, "lunaroute_request_duration_ms_bucket{phase=%q,le=%q} %d\n", phase, formatBound(bound), h.counts[i].Load())
	}
	fmt.Fprintf(w, "lunaroute_request_duration_ms_bucket{phase=%q,le=\"+Inf\"} %d\n", phase, total)
	fmt.Fprintf(w, "lunaroute_request_duration_ms_sum{phase=%q} %.3f\n", phase, float64(h.sumX1000.Load())/1000)
	fmt.Fprintf(w, "lunaroute_request_duration_ms_count{phase=%q} %d\n", phase, total)
}

func formatBound(b float64) string {
	return fmt.Sprintf("%g", b)
}
