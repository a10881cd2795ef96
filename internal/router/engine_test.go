package router

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
)

type sendResult struct {
	resp *domain.NormalizedResponse
	err  *domain.LunaError
}

type fakeClient struct {
	sendResults   map[string]sendResult
	streamErrs    map[string]*domain.LunaError
	streamEvents  map[string][]domain.NormalizedStreamEvent
	sendCalls     []string
	lastReqText   map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sendResults:  make(map[string]sendResult),
		streamErrs:   make(map[string]*domain.LunaError),
		streamEvents: make(map[string][]domain.NormalizedStreamEvent),
		lastReqText:  make(map[string]string),
	}
}

func (f *fakeClient) Send(ctx context.Context, target *domain.ProviderTarget, req *domain.NormalizedRequest) (*domain.NormalizedResponse, *domain.LunaError) {
	f.sendCalls = append(f.sendCalls, target.ID)
	if len(req.Messages) > 0 {
		f.lastReqText[target.ID] = req.Messages[0].Text
	}
	r := f.sendResults[target.ID]
	return r.resp, r.err
}

func (f *fakeClient) Stream(ctx context.Context, target *domain.ProviderTarget, req *domain.NormalizedRequest, sink ports.StreamSink) *domain.LunaError {
	f.sendCalls = append(f.sendCalls, target.ID)
	for _, ev := range f.streamEvents[target.ID] {
		_ = sink.OnEvent(ev)
	}
	return f.streamErrs[target.ID]
}

type fakeBreaker struct {
	disallow map[string]bool
	failures map[string]int
	successes map[string]int
}

func newFakeBreaker() *fakeBreaker {
	return &fakeBreaker{disallow: map[string]bool{}, failures: map[string]int{}, successes: map[string]int{}}
}

func (b *fakeBreaker) Allow(id string) bool        { return !b.disallow[id] }
func (b *fakeBreaker) RecordSuccess(id string)      { b.successes[id]++ }
func (b *fakeBreaker) RecordFailure(id string)      { b.failures[id]++ }
func (b *fakeBreaker) State(id string) ports.BreakerState {
	if b.disallow[id] {
		return ports.BreakerOpen
	}
	return ports.BreakerClosed
}

type fakeHealth struct {
	outcomes map[string][]bool
}

func newFakeHealth() *fakeHealth { return &fakeHealth{outcomes: map[string][]bool{}} }

func (h *fakeHealth) RecordOutcome(id string, success bool) {
	h.outcomes[id] = append(h.outcomes[id], success)
}
func (h *fakeHealth) Status(id string) domain.ProviderHealthStatus { return domain.ProviderHealthy }

func testProviders() map[string]*domain.ProviderTarget {
	full := domain.Capabilities{SupportsStreaming: true, SupportsTools: true}
	return map[string]*domain.ProviderTarget{
		"primary":     {ID: "primary", Name: "primary", Dialect: domain.DialectOpenAI, Capabilities: full},
		"alternative": {ID: "alternative", Name: "alternative", Dialect: domain.DialectOpenAI, Capabilities: full},
	}
}

func testRule() []domain.Rule {
	return []domain.Rule{
		{
			Priority:      1,
			Matcher:       domain.Matcher{Kind: domain.MatchAlways},
			ProviderID:    "primary",
			Strategy:      domain.Strategy{Kind: domain.StrategyFallback, FallbackProviderIDs: []string{"alternative"}},
			FallbackChain: []string{"alternative"},
		},
	}
}

func TestRouteReturnsPrimarySuccess(t *testing.T) {
	client := newFakeClient()
	client.sendResults["primary"] = sendResult{resp: &domain.NormalizedResponse{}}

	e := NewEngine(testRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	resp, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})

	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if resp == nil || outcome.ProviderID != "primary" || outcome.Switched {
		t.Fatalf("expected unswitched primary success, got %+v", outcome)
	}
}

func TestRouteFallsOverOnRetryableError(t *testing.T) {
	client := newFakeClient()
	client.sendResults["primary"] = sendResult{err: domain.NewLunaError(domain.KindUpstreamTransient, "boom", nil)}
	client.sendResults["alternative"] = sendResult{resp: &domain.NormalizedResponse{}}

	breaker := newFakeBreaker()
	e := NewEngine(testRule(), testProviders(), client, breaker, newFakeHealth(), NotifyConfig{}, nil, nil)
	resp, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})

	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if resp == nil || outcome.ProviderID != "alternative" || !outcome.Switched {
		t.Fatalf("expected fallback to alternative, got %+v", outcome)
	}
	if breaker.failures["primary"] != 1 {
		t.Fatalf("expected primary failure recorded on breaker, got %d", breaker.failures["primary"])
	}
}

func TestRouteDoesNotFallOverOnTerminalError(t *testing.T) {
	client := newFakeClient()
	client.sendResults["primary"] = sendResult{err: domain.NewLunaError(domain.KindInvalidRequest, "bad request", nil)}

	e := NewEngine(testRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	_, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})

	if outcome.Err == nil || outcome.Err.Kind != domain.KindInvalidRequest {
		t.Fatalf("expected terminal invalid_request error surfaced, got %+v", outcome)
	}
	if len(client.sendCalls) != 1 {
		t.Fatalf("expected only the primary to be called, got %v", client.sendCalls)
	}
}

func TestRouteSkipsCandidateWithOpenBreaker(t *testing.T) {
	client := newFakeClient()
	client.sendResults["alternative"] = sendResult{resp: &domain.NormalizedResponse{}}

	breaker := newFakeBreaker()
	breaker.disallow["primary"] = true

	e := NewEngine(testRule(), testProviders(), client, breaker, newFakeHealth(), NotifyConfig{}, nil, nil)
	resp, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})

	if outcome.Err != nil || resp == nil || outcome.ProviderID != "alternative" {
		t.Fatalf("expected skip to alternative, got %+v", outcome)
	}
	for _, id := range client.sendCalls {
		if id == "primary" {
			t.Fatal("expected primary to never be called while its breaker is open")
		}
	}
}

func TestRouteHeaderOverrideBypassesRuleTable(t *testing.T) {
	client := newFakeClient()
	client.sendResults["alternative"] = sendResult{resp: &domain.NormalizedResponse{}}

	e := NewEngine(testRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	headers := http.Header{}
	headers.Set("X-Luna-Route", "alternative")

	_, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, headers)
	if outcome.Err != nil || outcome.ProviderID != "alternative" {
		t.Fatalf("expected header override to route directly to alternative, got %+v", outcome)
	}
	if len(client.sendCalls) != 1 {
		t.Fatalf("expected exactly one call via header override, got %v", client.sendCalls)
	}
}

func TestRoutePrependsNotificationOnSwitch(t *testing.T) {
	client := newFakeClient()
	client.sendResults["primary"] = sendResult{err: domain.NewLunaError(domain.KindRateLimited, "slow down", nil)}
	client.sendResults["alternative"] = sendResult{resp: &domain.NormalizedResponse{}}

	notify := NotifyConfig{Enabled: true, DefaultTemplate: "IMPORTANT: ${original_provider} -> ${new_provider} (${reason}) for ${model}"}
	e := NewEngine(testRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), notify, nil, nil)

	_, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}

	got := client.lastReqText["alternative"]
	want := "IMPORTANT: primary -> alternative (high demand) for gpt-4o"
	if got != want {
		t.Fatalf("expected notice %q, got %q", want, got)
	}
}

func TestRouteStreamTerminatesAfterFirstByteInsteadOfFallback(t *testing.T) {
	client := newFakeClient()
	client.streamEvents["primary"] = []domain.NormalizedStreamEvent{{Type: domain.StreamDelta}}
	client.streamErrs["primary"] = domain.NewLunaError(domain.KindUpstreamTransient, "dropped mid-stream", nil)

	var received []domain.NormalizedStreamEvent
	sink := sinkFunc(func(e domain.NormalizedStreamEvent) error {
		received = append(received, e)
		return nil
	})

	e := NewEngine(testRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	outcome := e.RouteStream(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{}, sink)

	if outcome.Err == nil {
		t.Fatal("expected stream error to be surfaced")
	}
	if len(client.sendCalls) != 1 {
		t.Fatalf("expected no fallback attempt once bytes were flushed, got %v", client.sendCalls)
	}
	if len(received) != 1 {
		t.Fatalf("expected the one emitted event to reach the sink, got %d", len(received))
	}
}

func TestRouteStreamFallsOverBeforeFirstByte(t *testing.T) {
	client := newFakeClient()
	client.streamErrs["primary"] = domain.NewLunaError(domain.KindUpstreamTransient, "never started", nil)
	client.streamEvents["alternative"] = []domain.NormalizedStreamEvent{{Type: domain.StreamDelta}}

	sink := sinkFunc(func(e domain.NormalizedStreamEvent) error { return nil })

	e := NewEngine(testRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	outcome := e.RouteStream(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{}, sink)

	if outcome.Err != nil || outcome.ProviderID != "alternative" {
		t.Fatalf("expected fallback to alternative before any bytes flushed, got %+v", outcome)
	}
}

type sinkFunc func(domain.NormalizedStreamEvent) error

func (f sinkFunc) OnEvent(e domain.NormalizedStreamEvent) error { return f(e) }

func TestRouteStreamSkipsProviderWithoutStreamingSupport(t *testing.T) {
	providers := testProviders()
	providers["primary"].Capabilities.SupportsStreaming = false

	client := newFakeClient()
	client.streamEvents["alternative"] = []domain.NormalizedStreamEvent{{Type: domain.StreamDelta}}

	sink := sinkFunc(func(e domain.NormalizedStreamEvent) error { return nil })

	e := NewEngine(testRule(), providers, client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	outcome := e.RouteStream(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{}, sink)

	if outcome.Err != nil || outcome.ProviderID != "alternative" {
		t.Fatalf("expected capability-gated primary to be skipped in favor of alternative, got %+v", outcome)
	}
	if len(client.sendCalls) != 1 || client.sendCalls[0] != "alternative" {
		t.Fatalf("expected no network call to primary, got %v", client.sendCalls)
	}
}

func TestRouteFailsFastWhenNoCandidateSupportsTools(t *testing.T) {
	providers := testProviders()
	providers["primary"].Capabilities.SupportsTools = false
	providers["alternative"].Capabilities.SupportsTools = false

	client := newFakeClient()
	e := NewEngine(testRule(), providers, client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	req := &domain.NormalizedRequest{Model: "gpt-4o", Tools: []domain.Tool{{Name: "search"}}}
	_, outcome := e.Route(context.Background(), req, domain.DialectOpenAI, http.Header{})

	if outcome.Err == nil || outcome.Err.Kind != domain.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest when no candidate supports tools, got %+v", outcome)
	}
	if len(client.sendCalls) != 0 {
		t.Fatalf("expected no network calls, got %v", client.sendCalls)
	}
}

func limitsRule() []domain.Rule {
	return []domain.Rule{
		{
			Priority:   1,
			Matcher:    domain.Matcher{Kind: domain.MatchAlways},
			ProviderID: "primary",
			Strategy: domain.Strategy{
				Kind:                       domain.StrategyLimitsAlternative,
				PrimaryProviderIDs:         []string{"primary"},
				AlternativeProviderIDs:     []string{"alternative"},
				ExponentialBackoffBaseSecs: 60,
			},
			FallbackChain: []string{"alternative"},
		},
	}
}

func TestRouteLimitsAlternativeCoolsDownRateLimitedPrimary(t *testing.T) {
	client := newFakeClient()
	client.sendResults["primary"] = sendResult{err: domain.NewLunaError(domain.KindRateLimited, "429", nil)}
	client.sendResults["alternative"] = sendResult{resp: &domain.NormalizedResponse{}}

	e := NewEngine(limitsRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)

	_, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if outcome.ProviderID != "alternative" {
		t.Fatalf("expected alternative to serve, got %q", outcome.ProviderID)
	}

	client.sendCalls = nil
	_, outcome = e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})
	if outcome.Err != nil {
		t.Fatalf("unexpected error on second call: %v", outcome.Err)
	}
	for _, id := range client.sendCalls {
		if id == "primary" {
			t.Fatal("primary should still be inside its rate-limit cooldown")
		}
	}
}

func TestRouteLimitsAlternativeCooldownClearsOnSuccess(t *testing.T) {
	client := newFakeClient()
	client.sendResults["primary"] = sendResult{resp: &domain.NormalizedResponse{}}

	e := NewEngine(limitsRule(), testProviders(), client, newFakeBreaker(), newFakeHealth(), NotifyConfig{}, nil, nil)
	e.recordRateLimited("primary", limitsRule()[0].Strategy)
	// Let the cooldown window lapse but keep the streak, so only a success
	// can remove the entry.
	state, _ := e.limits.Load("primary")
	state.until = time.Now().Add(-time.Second)
	e.limits.Store("primary", state)

	_, outcome := e.Route(context.Background(), &domain.NormalizedRequest{Model: "gpt-4o"}, domain.DialectOpenAI, http.Header{})
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if outcome.ProviderID != "primary" {
		t.Fatalf("expected primary once cooldown cleared, got %q", outcome.ProviderID)
	}
	if _, ok := e.limits.Load("primary"); ok {
		t.Fatal("expected the primary's success to clear its rate-limit state")
	}
}

