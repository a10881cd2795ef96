// Package router implements the rule-matching and fallback-chain engine:
// match an incoming request to a rule, walk its
// fallback chain past circuit-breaker-gated candidates, and optionally
// prepend a provider-switch notice when the client ends up served by an
// alternative. The HTTP route table (registry.go) is a separate, unrelated
// concern -- the ingress listener's address book, not this matching engine.
package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/lunaroute/lunaroute/internal/adapter/metrics"
	"github.com/lunaroute/lunaroute/internal/core/constants"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
)

// NotifyConfig controls the optional provider-switch notice. PerProvider
// keys are the alternative provider's ID; an entry there overrides
// DefaultTemplate when that provider is the one serving the fallback.
type NotifyConfig struct {
	Enabled         bool
	DefaultTemplate string
	PerProvider     map[string]string
}

// Engine matches requests against a compiled rule table and drives fallback
// execution, gated by the shared circuit breaker and health monitor.
type Engine struct {
	rules     []domain.Rule
	providers map[string]*domain.ProviderTarget
	client    ports.ProviderClient
	breaker   ports.CircuitBreaker
	health    ports.HealthMonitor
	notify    NotifyConfig
	metrics   *metrics.Registry
	log       *logger.StyledLogger

	// limits tracks per-provider rate-limit cooldowns for rules using the
	// limits-alternative strategy: each consecutive 429 doubles the time
	// the provider sits out before the chain will try it again.
	limits *xsync.Map[string, limitState]
}

type limitState struct {
	until  time.Time
	streak int
}

func NewEngine(rules []domain.Rule, providers map[string]*domain.ProviderTarget, client ports.ProviderClient, breaker ports.CircuitBreaker, health ports.HealthMonitor, notify NotifyConfig, registry *metrics.Registry, log *logger.StyledLogger) *Engine {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &Engine{
		rules:     rules,
		providers: providers,
		client:    client,
		breaker:   breaker,
		health:    health,
		notify:    notify,
		metrics:   registry,
		log:       log,
		limits:    xsync.NewMap[string, limitState](),
	}
}

// fallbackReason maps an ErrorKind to the reason label on
// lunaroute_fallback_triggered_total. A candidate skipped for an open
// breaker leaves a KindProviderUnavailable cause; a nil cause (no earlier
// candidate recorded an error) is counted under the same circuit_breaker
// reason.
func fallbackReason(cause *domain.LunaError) string {
	if cause == nil {
		return "circuit_breaker"
	}
	switch cause.Kind {
	case domain.KindRateLimited:
		return "rate_limit"
	case domain.KindTimeout:
		return "timeout"
	case domain.KindUpstreamTransient:
		return "upstream_5xx"
	case domain.KindProviderUnavailable:
		return "circuit_breaker"
	default:
		return "other"
	}
}

// Outcome describes which provider ultimately served (or failed to serve) a
// request, for the caller to log/record.
type Outcome struct {
	ProviderID string
	Switched   bool
	Err        *domain.LunaError
}

// match finds the first rule (priority order) whose Matcher applies to req
// under the given listener dialect. An X-Luna-Route header bypasses the
// rule table entirely and resolves straight to the named provider.
func (e *Engine) match(req *domain.NormalizedRequest, listener domain.Dialect, headers http.Header) (chain []string, strategy domain.Strategy, ok bool) {
	if override := headers.Get(constants.HeaderRouteOverride); override != "" {
		if _, exists := e.providers[override]; exists {
			return []string{override}, domain.Strategy{Kind: domain.StrategySingle}, true
		}
	}

	for _, rule := range e.rules {
		if !matcherApplies(rule.Matcher, req, listener, headers) {
			continue
		}
		return append([]string{rule.ProviderID}, rule.FallbackChain...), rule.Strategy, true
	}
	return nil, domain.Strategy{}, false
}

// coolingDown reports whether provider is still inside a rate-limit
// cooldown window under the limits-alternative strategy.
func (e *Engine) coolingDown(providerID string) bool {
	state, ok := e.limits.Load(providerID)
	return ok && time.Now().Before(state.until)
}

// recordRateLimited doubles the provider's cooldown for each consecutive
// rate limit, starting from the rule's configured base.
func (e *Engine) recordRateLimited(providerID string, strategy domain.Strategy) {
	if strategy.Kind != domain.StrategyLimitsAlternative {
		return
	}
	state, _ := e.limits.Load(providerID)
	state.streak++
	backoff := time.Duration(strategy.ExponentialBackoffBaseSecs * float64(time.Second))
	for i := 1; i < state.streak && backoff < time.Hour; i++ {
		backoff *= 2
	}
	state.until = time.Now().Add(backoff)
	e.limits.Store(providerID, state)
}

func matcherApplies(m domain.Matcher, req *domain.NormalizedRequest, listener domain.Dialect, headers http.Header) bool {
	switch m.Kind {
	case domain.MatchAlways:
		return true
	case domain.MatchModelPattern:
		return m.CompiledPattern != nil && m.CompiledPattern.MatchString(req.Model)
	case domain.MatchListenerDialect:
		return m.Dialect == listener
	case domain.MatchHeader:
		return headers.Get(m.HeaderName) == m.HeaderValue
	default:
		return false
	}
}

// capabilityMismatch reports why target cannot serve req, or "" if it can.
// Consulted before any network call so an unsupported streaming or tool
// request fails fast instead of burning an upstream attempt.
func capabilityMismatch(target *domain.ProviderTarget, req *domain.NormalizedRequest, wantStream bool) string {
	if wantStream && !target.Capabilities.SupportsStreaming {
		return "provider " + target.ID + " does not support streaming"
	}
	if len(req.Tools) > 0 && !target.Capabilities.SupportsTools {
		return "provider " + target.ID + " does not support tools"
	}
	return ""
}

// Route executes the non-streaming path: match, then walk the fallback
// chain admitting only breaker-allowed candidates, retrying on retryable
// failures and surfacing terminal ones immediately.
func (e *Engine) Route(ctx context.Context, req *domain.NormalizedRequest, listener domain.Dialect, headers http.Header) (*domain.NormalizedResponse, Outcome) {
	chain, strategy, ok := e.match(req, listener, headers)
	if !ok {
		return nil, Outcome{Err: domain.NewLunaError(domain.KindInvalidRequest, "no rule matched this request", nil)}
	}

	var lastErr *domain.LunaError
	for i, providerID := range chain {
		target, exists := e.providers[providerID]
		if !exists {
			continue
		}

		if strategy.Kind == domain.StrategyLimitsAlternative && e.coolingDown(providerID) {
			lastErr = domain.NewLunaError(domain.KindRateLimited, "provider "+providerID+" is in rate-limit cooldown", nil)
			continue
		}

		if reason := capabilityMismatch(target, req, false); reason != "" {
			lastErr = domain.NewLunaError(domain.KindInvalidRequest, reason, nil)
			continue
		}

		if !e.breaker.Allow(providerID) {
			if i > 0 {
				e.metrics.IncFallbackTriggered(fallbackReason(lastErr))
			}
			lastErr = domain.NewLunaError(domain.KindProviderUnavailable, "circuit breaker open for "+providerID, nil)
			continue
		}

		candidateReq := req
		switched := i > 0
		if switched {
			e.metrics.IncFallbackTriggered(fallbackReason(lastErr))
		}
		if switched && e.notify.Enabled {
			candidateReq = e.prependNotice(req, chain[0], providerID, lastErr)
		}

		resp, err := e.client.Send(ctx, target, candidateReq)
		if err == nil {
			e.breaker.RecordSuccess(providerID)
			e.health.RecordOutcome(providerID, true)
			e.limits.Delete(providerID)
			return resp, Outcome{ProviderID: providerID, Switched: switched}
		}

		if err.Kind == domain.KindRateLimited {
			e.recordRateLimited(providerID, strategy)
		}
		if err.Kind.AffectsCircuit() {
			e.breaker.RecordFailure(providerID)
		}
		e.health.RecordOutcome(providerID, false)
		lastErr = err

		if !err.Kind.Retryable() {
			return nil, Outcome{ProviderID: providerID, Switched: switched, Err: err}
		}
	}

	if lastErr == nil {
		lastErr = domain.NewLunaError(domain.KindProviderUnavailable, "no candidate providers available", nil)
	}
	return nil, Outcome{Err: lastErr}
}

// firstByteGuard wraps a StreamSink so the engine can tell whether any
// bytes have reached the client yet; once they have, a failure must
// terminate the stream rather than trigger fallback.
type firstByteGuard struct {
	inner      ports.StreamSink
	firstEvent bool
}

func (g *firstByteGuard) OnEvent(event domain.NormalizedStreamEvent) error {
	g.firstEvent = true
	return g.inner.OnEvent(event)
}

// RouteStream executes the streaming path with the same fallback discipline
// as Route, except a failure after the first event has already reached sink
// is terminal regardless of its ErrorKind.
func (e *Engine) RouteStream(ctx context.Context, req *domain.NormalizedRequest, listener domain.Dialect, headers http.Header, sink ports.StreamSink) Outcome {
	chain, strategy, ok := e.match(req, listener, headers)
	if !ok {
		return Outcome{Err: domain.NewLunaError(domain.KindInvalidRequest, "no rule matched this request", nil)}
	}

	var lastErr *domain.LunaError
	for i, providerID := range chain {
		target, exists := e.providers[providerID]
		if !exists {
			continue
		}

		if strategy.Kind == domain.StrategyLimitsAlternative && e.coolingDown(providerID) {
			lastErr = domain.NewLunaError(domain.KindRateLimited, "provider "+providerID+" is in rate-limit cooldown", nil)
			continue
		}

		if reason := capabilityMismatch(target, req, true); reason != "" {
			lastErr = domain.NewLunaError(domain.KindInvalidRequest, reason, nil)
			continue
		}

		if !e.breaker.Allow(providerID) {
			if i > 0 {
				e.metrics.IncFallbackTriggered(fallbackReason(lastErr))
			}
			lastErr = domain.NewLunaError(domain.KindProviderUnavailable, "circuit breaker open for "+providerID, nil)
			continue
		}

		candidateReq := req
		switched := i > 0
		if switched {
			e.metrics.IncFallbackTriggered(fallbackReason(lastErr))
		}
		if switched && e.notify.Enabled {
			candidateReq = e.prependNotice(req, chain[0], providerID, lastErr)
		}

		guard := &firstByteGuard{inner: sink}
		err := e.client.Stream(ctx, target, candidateReq, guard)
		if err == nil {
			e.breaker.RecordSuccess(providerID)
			e.health.RecordOutcome(providerID, true)
			e.limits.Delete(providerID)
			return Outcome{ProviderID: providerID, Switched: switched}
		}

		if err.Kind == domain.KindRateLimited {
			e.recordRateLimited(providerID, strategy)
		}
		if err.Kind.AffectsCircuit() {
			e.breaker.RecordFailure(providerID)
		}
		e.health.RecordOutcome(providerID, false)
		lastErr = err

		if guard.firstEvent || !err.Kind.Retryable() {
			return Outcome{ProviderID: providerID, Switched: switched, Err: err}
		}
	}

	if lastErr == nil {
		lastErr = domain.NewLunaError(domain.KindProviderUnavailable, "no candidate providers available", nil)
	}
	return Outcome{Err: lastErr}
}

// prependNotice returns a shallow copy of req with a notification message
// inserted at the front, unless one is already present (idempotency check
// on the IMPORTANT: prefix) or no template resolves for this provider.
func (e *Engine) prependNotice(req *domain.NormalizedRequest, originalProvider, newProvider string, cause *domain.LunaError) *domain.NormalizedRequest {
	if len(req.Messages) > 0 && strings.HasPrefix(strings.TrimSpace(req.Messages[0].Text), constants.NotificationImportantPrefix) {
		return req
	}

	template := e.notify.DefaultTemplate
	if override, ok := e.notify.PerProvider[newProvider]; ok && override != "" {
		template = override
	}
	if template == "" {
		return req
	}

	text := renderNotice(template, originalProvider, newProvider, reasonFor(cause), req.Model)

	out := *req
	// The body is no longer what the client sent, so verbatim passthrough
	// is off the table for this candidate.
	out.Origin.RawBody = nil
	out.Messages = make([]domain.Message, 0, len(req.Messages)+1)
	out.Messages = append(out.Messages, domain.Message{Role: domain.RoleUser, Text: text})
	out.Messages = append(out.Messages, req.Messages...)
	return &out
}

func renderNotice(template, originalProvider, newProvider, reason, model string) string {
	r := strings.NewReplacer(
		"${original_provider}", originalProvider,
		"${new_provider}", newProvider,
		"${reason}", reason,
		"${model}", model,
	)
	return r.Replace(template)
}

// reasonFor maps a failure kind to the end-user-facing phrase woven into
// the switch notice. An open-breaker skip (KindProviderUnavailable) and a
// nil cause (no earlier candidate recorded an error) both read as service
// maintenance.
func reasonFor(cause *domain.LunaError) string {
	if cause == nil {
		return "service maintenance"
	}
	switch cause.Kind {
	case domain.KindRateLimited:
		return "high demand"
	case domain.KindTimeout, domain.KindUpstreamTransient:
		return "a temporary service issue"
	case domain.KindProviderUnavailable:
		return "service maintenance"
	default:
		return "a temporary service issue"
	}
}
