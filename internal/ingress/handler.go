// Package ingress implements the dialect-facing HTTP endpoints:
// POST /v1/chat/completions (OpenAI) and POST /v1/messages (Anthropic).
// A Handler binds one listener dialect's ports.DialectAdapter to the shared
// router.Engine, session recorder and PII redactor, parsing the wire
// request, driving routing, and serializing either a single JSON response
// or an SSE stream back to the caller.
package ingress

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/lunaroute/lunaroute/internal/adapter/metrics"
	"github.com/lunaroute/lunaroute/internal/app/middleware"
	"github.com/lunaroute/lunaroute/internal/core/constants"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
	"github.com/lunaroute/lunaroute/internal/router"
	"github.com/lunaroute/lunaroute/internal/util"
)

// Handler serves one dialect's ingress route.
type Handler struct {
	dialect  domain.Dialect
	adapter  ports.DialectAdapter
	engine   *router.Engine
	recorder ports.SessionRecorder
	pii      ports.PiiRedactor
	metrics  *metrics.Registry

	trustProxyHeaders bool
	trustedCIDRs      []*net.IPNet

	log *logger.StyledLogger
}

func New(adapter ports.DialectAdapter, engine *router.Engine, recorder ports.SessionRecorder, pii ports.PiiRedactor, registry *metrics.Registry, trustProxyHeaders bool, trustedCIDRs []*net.IPNet, log *logger.StyledLogger) *Handler {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &Handler{
		dialect:           adapter.Dialect(),
		adapter:           adapter,
		engine:            engine,
		recorder:          recorder,
		pii:               pii,
		metrics:           registry,
		trustProxyHeaders: trustProxyHeaders,
		trustedCIDRs:      trustedCIDRs,
		log:               log,
	}
}

// Adapter returns the dialect adapter this Handler was built with, so
// ambient middleware ahead of it (rate/size limiting) can render rejections
// in the same wire dialect instead of a generic error body.
func (h *Handler) Adapter() ports.DialectAdapter {
	return h.adapter
}

// requestContext carries the per-request identifiers derived once at the
// top of ServeHTTP and threaded through the sync and streaming paths.
type requestContext struct {
	requestID   string
	sessionID   string
	clientIP    string
	traceparent string
	start       time.Time
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := requestContext{
		requestID:   h.resolveRequestID(r),
		clientIP:    util.GetClientIP(r, h.trustProxyHeaders, h.trustedCIDRs),
		traceparent: r.Header.Get(constants.ContextTraceParentKey),
		start:       time.Now(),
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.adapter.WriteError(w, domain.NewLunaError(domain.KindInvalidRequest, "failed to read request body", err))
		return
	}

	req, lerr := h.adapter.ParseRequest(body)
	if lerr != nil {
		h.adapter.WriteError(w, lerr)
		return
	}
	if lerr := req.Validate(); lerr != nil {
		h.adapter.WriteError(w, lerr)
		return
	}

	rc.sessionID = h.resolveSessionID(r, rc.requestID)
	h.metrics.IncRequest(string(h.dialect))

	req.Origin = domain.Origin{
		RequestID:     rc.requestID,
		SessionID:     rc.sessionID,
		ClientIP:      rc.clientIP,
		Dialect:       h.dialect,
		RawBody:       body,
		Authorization: clientCredential(r),
	}

	h.recorder.Record(h.pii.RedactEvent(domain.SessionEvent{
		Type:           domain.EventStarted,
		SessionID:      rc.sessionID,
		RequestID:      rc.requestID,
		Timestamp:      rc.start,
		ModelRequested: req.Model,
		Listener:       h.dialect,
		IsStreaming:    req.Stream,
		ClientIP:       rc.clientIP,
		UserAgent:      r.UserAgent(),
		Metadata: map[string]any{
			"traceparent": rc.traceparent,
		},
	}))

	h.recordRequest(rc, req)
	h.recordToolResults(rc, req)

	if req.Stream {
		h.serveStream(w, r, rc, req)
		return
	}
	h.serveSync(w, r, rc, req)
}

// resolveRequestID reuses the request ID the logging middleware already
// generated for this request so logs, headers and session events all
// correlate on the same value, falling back to a fresh one if the
// middleware wasn't in the chain.
func (h *Handler) resolveRequestID(r *http.Request) string {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(constants.HeaderXRequestID); id != "" {
		return id
	}
	return util.GenerateRequestID()
}

// resolveSessionID honours a client-supplied X-Session-Id header once it
// passes the same sanitization invariant the recorder re-checks, otherwise
// a request without a continuing session defaults to its own request ID.
func (h *Handler) resolveSessionID(r *http.Request, requestID string) string {
	if hdr := r.Header.Get("X-Session-Id"); hdr != "" && domain.ValidSessionID(hdr) {
		return hdr
	}
	return requestID
}

// clientCredential captures the caller's own upstream credential for
// providers running in bring-your-own-key mode. OpenAI-dialect clients send
// Authorization; Anthropic-dialect clients send x-api-key.
func clientCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	return r.Header.Get("x-api-key")
}

// recordRequest emits the RequestRecorded session event once the wire
// request has parsed and validated, so the recorded conversation holds what
// the client actually asked even when routing later fails.
func (h *Handler) recordRequest(rc requestContext, req *domain.NormalizedRequest) {
	event := domain.SessionEvent{
		Type:      domain.EventRequestRecorded,
		SessionID: rc.sessionID,
		RequestID: rc.requestID,
		Timestamp: time.Now(),
	}
	if payload, err := json.Marshal(req); err == nil {
		event.RequestJSON = string(payload)
	}
	event.RequestText = lastMessageText(req)
	h.recorder.Record(h.pii.RedactEvent(event))
}

// recordToolResults emits one ToolCallRecorded session event per
// tool_result carried on a follow-up request: success mirrors !IsError.
// The tool name is taken from the result itself when the client dialect
// supplies one (Anthropic does not); otherwise it's resolved by matching
// tool_call_id against the ToolCalls a prior assistant turn in the same
// conversation made. A result that can't be correlated either way is
// recorded as "unknown" and counted separately rather than dropped.
func (h *Handler) recordToolResults(rc requestContext, req *domain.NormalizedRequest) {
	if len(req.ToolResults) == 0 {
		return
	}

	callNames := make(map[string]string, len(req.ToolResults))
	for _, msg := range req.Messages {
		for _, call := range msg.ToolCalls {
			callNames[call.ID] = call.Name
		}
	}

	for _, result := range req.ToolResults {
		toolName := result.ToolName
		if toolName == "" {
			toolName = callNames[result.ToolCallID]
		}
		if toolName == "" {
			toolName = "unknown"
			h.metrics.IncToolUncorrelated()
		}

		h.metrics.IncToolCall()
		if result.IsError {
			h.metrics.IncToolResultFailure(toolName)
		}

		h.recorder.Record(h.pii.RedactEvent(domain.SessionEvent{
			Type:           domain.EventToolCallRecorded,
			SessionID:      rc.sessionID,
			RequestID:      rc.requestID,
			Timestamp:      time.Now(),
			ModelRequested: req.Model,
			ToolName:       toolName,
			ToolCallID:     result.ToolCallID,
			ToolSuccess:    !result.IsError,
			RequestBytes:   len(result.Content),
		}))
	}
}

func (h *Handler) serveSync(w http.ResponseWriter, r *http.Request, rc requestContext, req *domain.NormalizedRequest) {
	routeStart := time.Now()
	resp, outcome := h.engine.Route(r.Context(), req, h.dialect, r.Header)
	providerMs := time.Since(routeStart).Milliseconds()
	totalMs := time.Since(rc.start).Milliseconds()
	h.metrics.ObserveLatency("request_total", float64(totalMs))

	if outcome.Err != nil {
		h.recordCompletion(rc, req, nil, outcome, totalMs, providerMs, nil)
		h.adapter.WriteError(w, outcome.Err)
		return
	}

	payload, lerr := h.adapter.SerializeResponse(resp)
	if lerr != nil {
		h.recordCompletion(rc, req, resp, outcome, totalMs, providerMs, lerr)
		h.adapter.WriteError(w, lerr)
		return
	}

	h.recordResponse(rc, req, resp, totalMs, providerMs)
	h.recordCompletion(rc, req, resp, outcome, totalMs, providerMs, nil)

	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.Header().Set(constants.HeaderXRequestID, rc.requestID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// recordCompletion emits the terminal Completed session event for the
// non-streaming path; a nil resp means the request never got a response
// body (routing failed before or instead of a serialize step).
func (h *Handler) recordCompletion(rc requestContext, req *domain.NormalizedRequest, resp *domain.NormalizedResponse, outcome router.Outcome, totalMs, providerMs int64, serializeErr *domain.LunaError) {
	event := domain.SessionEvent{
		Type:              domain.EventCompleted,
		SessionID:         rc.sessionID,
		RequestID:         rc.requestID,
		Timestamp:         time.Now(),
		Provider:          outcome.ProviderID,
		Success:           outcome.Err == nil && serializeErr == nil,
		ProviderLatencyMs: providerMs,
		FinalStats:        responseShape(req, resp, totalMs),
		RequestText:       lastMessageText(req),
	}

	if resp != nil {
		event.ModelUsed = resp.Model
		event.Usage = resp.Usage
		if payload, err := json.Marshal(resp); err == nil {
			event.ResponseJSON = string(payload)
		}
		if len(resp.Choices) > 0 {
			event.FinishReason = resp.Choices[0].FinishReason
			event.ResponseText = resp.Choices[0].Message.Text
		}
	}
	if payload, err := json.Marshal(req); err == nil {
		event.RequestJSON = string(payload)
	}

	switch {
	case outcome.Err != nil:
		event.Error = outcome.Err.Error()
	case serializeErr != nil:
		event.Error = serializeErr.Error()
	}

	h.recorder.Record(h.pii.RedactEvent(event))
}

// recordResponse emits the ResponseRecorded session event for a successful
// non-streaming call. Streams have no single response body; their sessions
// are completed from the final stats instead.
func (h *Handler) recordResponse(rc requestContext, req *domain.NormalizedRequest, resp *domain.NormalizedResponse, totalMs, providerMs int64) {
	event := domain.SessionEvent{
		Type:              domain.EventResponseRecorded,
		SessionID:         rc.sessionID,
		RequestID:         rc.requestID,
		Timestamp:         time.Now(),
		ModelUsed:         resp.Model,
		Usage:             resp.Usage,
		ProviderLatencyMs: providerMs,
		Stats:             responseShape(req, resp, totalMs),
	}
	if payload, err := json.Marshal(resp); err == nil {
		event.ResponseJSON = string(payload)
	}
	if len(resp.Choices) > 0 {
		event.ResponseText = resp.Choices[0].Message.Text
	}
	h.recorder.Record(h.pii.RedactEvent(event))
}

// lastMessageText is the conversation's most recent turn, recorded as the
// session's request_text.
func lastMessageText(req *domain.NormalizedRequest) string {
	if req == nil || len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Text
}

// responseShape derives the per-session stats row from the request and
// response shapes: timing, size, block counts and the tool/refusal flags.
func responseShape(req *domain.NormalizedRequest, resp *domain.NormalizedResponse, totalMs int64) domain.RequestResponseStats {
	stats := domain.RequestResponseStats{TotalMs: totalMs}
	if req != nil {
		stats.MessageCount = len(req.Messages)
		stats.HasTools = len(req.Tools) > 0
	}
	if resp == nil {
		return stats
	}
	for _, choice := range resp.Choices {
		if choice.Message.HasParts() {
			stats.ContentBlocks += len(choice.Message.Parts)
		} else if choice.Message.Text != "" {
			stats.ContentBlocks++
		}
		stats.ResponseSizeBytes += len(choice.Message.Text)
		if choice.FinishReason == domain.FinishContentFilter {
			stats.HasRefusal = true
		}
	}
	return stats
}
