// Package ports declares the interfaces the core wires adapters through,
// keeping router, translator, proxy and recorder implementations from
// referencing each other directly.
package ports

import (
	"context"
	"io"
	"net/http"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// DialectAdapter translates one wire dialect to and from the normalized
// model, both for full requests/responses and for SSE stream events.
type DialectAdapter interface {
	Dialect() domain.Dialect

	ParseRequest(body []byte) (*domain.NormalizedRequest, *domain.LunaError)
	SerializeRequest(req *domain.NormalizedRequest) ([]byte, *domain.LunaError)

	ParseResponse(body []byte) (*domain.NormalizedResponse, *domain.LunaError)
	SerializeResponse(resp *domain.NormalizedResponse) ([]byte, *domain.LunaError)

	// NewStreamDecoder returns a decoder that turns this dialect's raw SSE
	// bytes into NormalizedStreamEvents, one call per upstream line group.
	NewStreamDecoder() StreamDecoder
	// NewStreamEncoder returns an encoder that serializes
	// NormalizedStreamEvents into this dialect's raw SSE bytes.
	NewStreamEncoder(w io.Writer) StreamEncoder

	// WriteError renders a LunaError as this dialect's error response body.
	WriteError(w http.ResponseWriter, err *domain.LunaError)
}

// StreamDecoder consumes raw SSE lines from an upstream body and yields
// NormalizedStreamEvents.
type StreamDecoder interface {
	Decode(line []byte) ([]domain.NormalizedStreamEvent, error)
}

// StreamEncoder serializes NormalizedStreamEvents into a dialect's wire
// format and flushes them to the underlying writer.
type StreamEncoder interface {
	Encode(event domain.NormalizedStreamEvent) error
}

// ProviderClient is the egress contract: issue a non-streaming call or open
// a streaming one against a single configured provider.
type ProviderClient interface {
	Send(ctx context.Context, target *domain.ProviderTarget, req *domain.NormalizedRequest) (*domain.NormalizedResponse, *domain.LunaError)
	Stream(ctx context.Context, target *domain.ProviderTarget, req *domain.NormalizedRequest, sink StreamSink) *domain.LunaError
}

// StreamSink receives normalized stream events as the provider client reads
// them off the wire; the router/ingress handler owns translating or
// forwarding them to the client.
type StreamSink interface {
	OnEvent(domain.NormalizedStreamEvent) error
}

// CircuitBreaker is the per-provider admission gate ahead of every
// upstream call.
type CircuitBreaker interface {
	Allow(providerID string) bool
	RecordSuccess(providerID string)
	RecordFailure(providerID string)
	State(providerID string) BreakerState
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// HealthMonitor tracks a sliding window of call outcomes per provider and
// derives a coarse ProviderHealthStatus the router may use for ranking.
type HealthMonitor interface {
	RecordOutcome(providerID string, success bool)
	Status(providerID string) domain.ProviderHealthStatus
}

// SessionRecorder is the non-blocking façade the router/ingress layers
// publish SessionEvents through.
type SessionRecorder interface {
	Record(event domain.SessionEvent)
	Shutdown(ctx context.Context) error
}

// SessionWriter is implemented by each recorder backend (JSONL, SQLite).
type SessionWriter interface {
	WriteEvent(ctx context.Context, event domain.SessionEvent) error
	Flush(ctx context.Context) error
	SupportsBatching() bool
	Close() error
}

// PiiRedactor is the interface the core consumes; concrete detectors are an
// external collaborator; only the interface is fixed here.
type PiiRedactor interface {
	RedactRequest(req *domain.NormalizedRequest) *domain.NormalizedRequest
	RedactEvent(event domain.SessionEvent) domain.SessionEvent
	RedactChunk(text string) string
}
