// Package streaming captures per-stream metrics: time-to-first-token,
// per-chunk latency tracking bounded to MaxChunkLatencies samples, and
// accumulated-text capture bounded to MaxAccumulatedTextBytes. Percentiles
// are computed exactly (sort once at completion, nearest-rank) over the
// full bounded window rather than approximated by sampling.
package streaming

import (
	"sort"
	"sync"
	"time"

	"github.com/lunaroute/lunaroute/internal/core/constants"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/logger"
)

// Tracker accumulates per-stream metrics from dispatch through completion.
// One Tracker is created per streaming request; it is not reused across
// requests. All mutating methods are safe for concurrent use, though in
// practice only one reader goroutine ever calls them per stream.
type Tracker struct {
	log *logger.StyledLogger

	mu              sync.Mutex
	dispatchedAt    time.Time
	lastChunkAt     time.Time
	firstTokenAt    time.Time
	gotFirstToken   bool
	chunkLatencies  []float64
	droppedLatency  bool
	accumulatedText []byte
	truncatedText   bool
	totalChunks     int
}

// NewTracker starts a tracker with the dispatch instant recorded now; the
// caller records this immediately before issuing the upstream call.
func NewTracker(log *logger.StyledLogger) *Tracker {
	now := time.Now()
	return &Tracker{
		log:          log,
		dispatchedAt: now,
		lastChunkAt:  now,
	}
}

// OnChunk records one observed content chunk: the first call computes
// time-to-first-token, every call after the first records an inter-chunk
// latency sample (bounded to MaxChunkLatencies) and appends to the
// accumulated text (bounded to MaxAccumulatedTextBytes). Returns the
// time-to-first-token in milliseconds and true only on the call that first
// observed a token, so the caller can emit StreamStarted exactly once.
func (t *Tracker) OnChunk(content string) (ttftMs int64, isFirst bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.totalChunks++

	if !t.gotFirstToken {
		t.gotFirstToken = true
		t.firstTokenAt = now
		t.lastChunkAt = now
		t.appendText(content)
		return now.Sub(t.dispatchedAt).Milliseconds(), true
	}

	latencyMs := float64(now.Sub(t.lastChunkAt).Milliseconds())
	t.lastChunkAt = now
	t.recordLatency(latencyMs)
	t.appendText(content)

	return 0, false
}

func (t *Tracker) recordLatency(ms float64) {
	if len(t.chunkLatencies) >= constants.DefaultMaxChunkLatencies {
		if !t.droppedLatency {
			t.droppedLatency = true
			if t.log != nil {
				t.log.Warn("chunk latency buffer full, dropping further samples",
					"cap", constants.DefaultMaxChunkLatencies)
			}
		}
		return
	}
	t.chunkLatencies = append(t.chunkLatencies, ms)
}

func (t *Tracker) appendText(content string) {
	if t.truncatedText || content == "" {
		return
	}
	remaining := constants.DefaultMaxAccumulatedTextBytes - len(t.accumulatedText)
	if remaining <= 0 {
		t.truncatedText = true
		if t.log != nil {
			t.log.Warn("accumulated stream text truncated", "cap", constants.DefaultMaxAccumulatedTextBytes)
		}
		return
	}
	if len(content) > remaining {
		content = content[:remaining]
		t.truncatedText = true
	}
	t.accumulatedText = append(t.accumulatedText, content...)
}

// AccumulatedText returns the (possibly truncated) concatenation of every
// chunk's content observed so far.
func (t *Tracker) AccumulatedText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.accumulatedText)
}

// Finish computes the final StreamingStats from the bounded latency vector:
// sorts once, then reads percentiles by nearest-rank with bounds-checked
// indexing.
func (t *Tracker) Finish() domain.StreamingStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := domain.StreamingStats{
		TotalChunks:         t.totalChunks,
		StreamingDurationMs: time.Since(t.dispatchedAt).Milliseconds(),
	}
	if t.gotFirstToken {
		stats.TimeToFirstTokenMs = t.firstTokenAt.Sub(t.dispatchedAt).Milliseconds()
	}

	n := len(t.chunkLatencies)
	if n == 0 {
		return stats
	}

	sorted := make([]float64, n)
	copy(sorted, t.chunkLatencies)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	stats.AvgChunkLatencyMs = sum / float64(n)
	stats.MinChunkLatencyMs = sorted[0]
	stats.MaxChunkLatencyMs = sorted[n-1]
	stats.P50ChunkLatencyMs = nearestRank(sorted, 50)
	stats.P95ChunkLatencyMs = nearestRank(sorted, 95)
	stats.P99ChunkLatencyMs = nearestRank(sorted, 99)

	return stats
}

// nearestRank returns the value at the given percentile using the
// nearest-rank method over an already-sorted ascending slice, with the
// index clamped into bounds.
func nearestRank(sorted []float64, percentile int) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := (n*percentile+99)/100 - 1
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
