package egress

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lunaroute/lunaroute/internal/adapter/translator"
	"github.com/lunaroute/lunaroute/internal/adapter/translator/openai"
	"github.com/lunaroute/lunaroute/internal/config"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/logger"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), &logger.Theme{})
}

func testRegistry(t *testing.T) *translator.Registry {
	t.Helper()
	reg := translator.NewRegistry(testLogger())
	reg.Register(openai.NewAdapter(testLogger()))
	return reg
}

func testTarget(baseURL string) *domain.ProviderTarget {
	return &domain.ProviderTarget{
		ID:      "p1",
		Name:    "test-provider",
		BaseURL: baseURL,
		Dialect: domain.DialectOpenAI,
		APIKey:  "sk-test",
	}
}

func testRequest() *domain.NormalizedRequest {
	return &domain.NormalizedRequest{
		Model:    "gpt-4",
		Messages: []domain.Message{{Role: domain.RoleUser, Text: "hi"}},
	}
}

func TestClientSendReturnsNormalizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected Authorization header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	client := NewClient(nil, testRegistry(t), nil, testLogger())
	resp, lerr := client.Send(context.Background(), testTarget(srv.URL), testRequest())
	if lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	if resp.ID != "resp1" {
		t.Errorf("expected resp1, got %q", resp.ID)
	}
}

func TestClientSendRetriesOn503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"ok","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	client := NewClient(nil, testRegistry(t), nil, testLogger())
	resp, lerr := client.Send(context.Background(), testTarget(srv.URL), testRequest())
	if lerr != nil {
		t.Fatalf("unexpected error after retry: %v", lerr)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if resp.ID != "ok" {
		t.Errorf("unexpected response id %q", resp.ID)
	}
}

func TestClientSendDoesNotRetryOn400(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(nil, testRegistry(t), nil, testLogger())
	_, lerr := client.Send(context.Background(), testTarget(srv.URL), testRequest())
	if lerr == nil {
		t.Fatal("expected error")
	}
	if lerr.Kind != domain.KindUpstreamPermanent {
		t.Errorf("expected KindUpstreamPermanent, got %v", lerr.Kind)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a 400, got %d", attempts)
	}
}

func TestClientSendAppliesHeaderAndBodyOverrides(t *testing.T) {
	var gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom-Route")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"id":"x","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	cfgs := []config.ProviderConfig{{
		Name:          "test-provider",
		Headers:       map[string]string{"X-Custom-Route": "${provider}"},
		BodyOverrides: map[string]string{"metadata.tag": "${model}"},
	}}
	client := NewClient(cfgs, testRegistry(t), nil, testLogger())
	_, lerr := client.Send(context.Background(), testTarget(srv.URL), testRequest())
	if lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	if gotHeader != "test-provider" {
		t.Errorf("expected header to render provider name, got %q", gotHeader)
	}
	if !strings.Contains(gotBody, `"tag":"gpt-4"`) {
		t.Errorf("expected body override applied, got %q", gotBody)
	}
}

func TestClientSendPassthroughForwardsRawBody(t *testing.T) {
	raw := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"vendor_extension":{"keep":"me"}}`
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"id":"x","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	req := testRequest()
	req.Origin.Dialect = domain.DialectOpenAI
	req.Origin.RawBody = []byte(raw)

	client := NewClient(nil, testRegistry(t), nil, testLogger())
	if _, lerr := client.Send(context.Background(), testTarget(srv.URL), req); lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	if gotBody != raw {
		t.Errorf("expected raw body forwarded verbatim, got %q", gotBody)
	}
}

func TestClientSendSerializesWhenDialectsDiffer(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"id":"x","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	req := testRequest()
	req.Origin.Dialect = domain.DialectAnthropic
	req.Origin.RawBody = []byte(`{"model":"gpt-4","messages":[],"anthropic_shape":true}`)

	client := NewClient(nil, testRegistry(t), nil, testLogger())
	if _, lerr := client.Send(context.Background(), testTarget(srv.URL), req); lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	if strings.Contains(gotBody, "anthropic_shape") {
		t.Errorf("cross-dialect call must reserialize, got %q", gotBody)
	}
}

func TestClientSendForwardsClientCredentialWhenKeyEmpty(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"x","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	target := testTarget(srv.URL)
	target.APIKey = ""
	req := testRequest()
	req.Origin.Authorization = "Bearer sk-client-own-key"

	client := NewClient(nil, testRegistry(t), nil, testLogger())
	if _, lerr := client.Send(context.Background(), target, req); lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	if gotAuth != "Bearer sk-client-own-key" {
		t.Errorf("expected the client credential forwarded unchanged, got %q", gotAuth)
	}
}

