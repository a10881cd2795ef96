package ingress

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lunaroute/lunaroute/internal/core/constants"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/router"
	"github.com/lunaroute/lunaroute/internal/streaming"
)

// serveStream drives the SSE path. Response headers are prepared up front
// but only committed once the first event actually arrives, so a routing
// failure that happens before any byte goes out can still become a proper
// dialect error response.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, rc requestContext, req *domain.NormalizedRequest) {
	// Headers are named here but not committed until the first event
	// reaches the client (OnEvent's WriteHeader): if routing fails before
	// any byte goes out, WriteError below still chooses the status code.
	w.Header().Set(constants.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(constants.HeaderXRequestID, rc.requestID)

	flusher, _ := w.(http.Flusher)

	tracker := streaming.NewTracker(h.log)
	encoder := h.adapter.NewStreamEncoder(w)
	sink := &streamSink{
		h:       h,
		rc:      rc,
		req:     req,
		w:       w,
		encoder: encoder,
		flusher: flusher,
		tracker: tracker,
	}

	routeStart := time.Now()
	outcome := h.engine.RouteStream(r.Context(), req, h.dialect, r.Header, sink)
	providerMs := time.Since(routeStart).Milliseconds()
	stats := tracker.Finish()
	totalMs := time.Since(rc.start).Milliseconds()
	h.metrics.ObserveLatency("request_total", float64(totalMs))

	if outcome.Err != nil && !sink.emitted {
		// Nothing reached the client yet: still within the HTTP response,
		// so a proper dialect error body can be sent instead of a bare SSE
		// error event.
		h.recordStreamCompletion(rc, req, sink, outcome, totalMs, providerMs, stats)
		h.adapter.WriteError(w, outcome.Err)
		return
	}

	if outcome.Err != nil {
		_ = encoder.Encode(domain.NormalizedStreamEvent{
			Type:         domain.StreamError,
			ErrorCode:    string(outcome.Err.Kind),
			ErrorMessage: outcome.Err.Message,
		})
		if flusher != nil {
			flusher.Flush()
		}
	}

	h.recordStreamCompletion(rc, req, sink, outcome, totalMs, providerMs, stats)
}

// recordStreamCompletion carries everything a stream-only session has: the
// usage totals accumulated off Usage events, the accumulated text, and the
// final streaming stats. The writers populate the whole session row from
// this one event when no ResponseRecorded ever arrived.
func (h *Handler) recordStreamCompletion(rc requestContext, req *domain.NormalizedRequest, sink *streamSink, outcome router.Outcome, totalMs, providerMs int64, stats domain.StreamingStats) {
	finalStats := responseShape(req, nil, totalMs)
	finalStats.StreamingMs = stats.StreamingDurationMs
	finalStats.ResponseSizeBytes = len(sink.tracker.AccumulatedText())
	finalStats.ContentBlocks = stats.TotalChunks

	event := domain.SessionEvent{
		Type:              domain.EventCompleted,
		SessionID:         rc.sessionID,
		RequestID:         rc.requestID,
		Timestamp:         time.Now(),
		Provider:          outcome.ProviderID,
		Success:           outcome.Err == nil,
		Usage:             sink.usage,
		ProviderLatencyMs: providerMs,
		FinishReason:      sink.finishReason,
		RequestText:       lastMessageText(req),
		ResponseText:      sink.tracker.AccumulatedText(),
		FinalStats:        finalStats,
		StreamStats:       &stats,
	}
	if outcome.Err != nil {
		event.Error = outcome.Err.Error()
	}
	if payload, err := json.Marshal(req); err == nil {
		event.RequestJSON = string(payload)
	}

	h.recorder.Record(h.pii.RedactEvent(event))
}

// streamSink adapts the router's ports.StreamSink contract to this
// request's encoder, tracker and recorder: it forwards every decoded event
// to the client dialect encoder, captures streaming metrics off content
// deltas, and emits the one-time StreamStarted session event when the first
// token arrives.
type streamSink struct {
	h       *Handler
	rc      requestContext
	req     *domain.NormalizedRequest
	w       http.ResponseWriter
	encoder ports.StreamEncoder
	flusher http.Flusher
	tracker *streaming.Tracker
	emitted bool

	// Accumulated off Usage/End events for the Completed record.
	usage        domain.Usage
	finishReason domain.FinishReason
}

var _ ports.StreamSink = (*streamSink)(nil)

func (s *streamSink) OnEvent(event domain.NormalizedStreamEvent) error {
	switch event.Type {
	case domain.StreamRaw:
		return s.onRawEvent(event)
	case domain.StreamDelta:
		if event.Content != "" {
			s.recordFirstToken(event.Content)
		}
	case domain.StreamUsage:
		s.usage = event.Usage
	case domain.StreamEnd:
		s.finishReason = event.FinishReason
	}

	if !s.emitted {
		s.w.WriteHeader(http.StatusOK)
	}

	if err := s.encoder.Encode(event); err != nil {
		return err
	}
	s.emitted = true
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// onRawEvent forwards one verbatim passthrough frame, bypassing the dialect
// encoder entirely. Metric capture still runs off the shadow-extracted
// Content the egress client attached to the event.
func (s *streamSink) onRawEvent(event domain.NormalizedStreamEvent) error {
	if event.Content != "" {
		s.recordFirstToken(event.Content)
	}
	if event.FinishReason != "" {
		s.finishReason = event.FinishReason
	}

	if !s.emitted {
		s.w.WriteHeader(http.StatusOK)
	}
	if _, err := s.w.Write(event.Raw); err != nil {
		return err
	}
	s.emitted = true
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// recordFirstToken feeds the tracker and publishes the one-time
// StreamStarted session event when this chunk is the stream's first.
func (s *streamSink) recordFirstToken(content string) {
	ttftMs, isFirst := s.tracker.OnChunk(content)
	if !isFirst {
		return
	}
	s.h.recorder.Record(s.h.pii.RedactEvent(domain.SessionEvent{
		Type:               domain.EventStreamStarted,
		SessionID:          s.rc.sessionID,
		RequestID:          s.rc.requestID,
		Timestamp:          time.Now(),
		TimeToFirstTokenMs: ttftMs,
	}))
}
