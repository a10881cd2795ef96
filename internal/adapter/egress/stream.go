package egress

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/lunaroute/lunaroute/internal/adapter/translator"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
)

var ssePayloadPrefix = []byte("data:")

// Stream issues a streaming call and feeds events to sink as they arrive.
// A retryable failure only falls over to the next provider if it occurs
// before the stream's first event reaches sink; once any event has been
// delivered the caller must treat the stream as committed, so Stream itself
// makes no retry attempt beyond the initial connection -- the router's
// firstByteGuard owns that distinction.
//
// When the listener and the provider speak the same dialect the stream runs
// in passthrough: every SSE frame is forwarded verbatim as a StreamRaw
// event while a shadow extractor pulls the delta text and stop state from
// data payloads for metric capture. Otherwise each frame is decoded into
// structured NormalizedStreamEvents by the provider dialect's decoder.
func (c *Client) Stream(ctx context.Context, target *domain.ProviderTarget, req *domain.NormalizedRequest, sink ports.StreamSink) *domain.LunaError {
	s := c.settingsFor(target)
	client := c.httpClient(target, s)
	vars := TemplateVars{
		RequestID: req.Origin.RequestID,
		Provider:  target.Name,
		Model:     req.Model,
		SessionID: req.Origin.SessionID,
		ClientIP:  req.Origin.ClientIP,
	}

	httpReq, lerr := c.buildUpstreamRequest(ctx, target, req, s, vars)
	if lerr != nil {
		return lerr
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		kind := domain.KindUpstreamTransient
		if !IsConnectionError(err) {
			kind = domain.KindProviderUnavailable
		}
		return domain.NewLunaError(kind, "upstream streaming request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return domain.NewLunaError(classifyHTTPStatus(resp.StatusCode), "upstream stream returned error status", nil).WithStatus(resp.StatusCode)
	}

	if passthroughEligible(target, req) {
		return c.streamPassthrough(ctx, target, resp.Body, sink)
	}
	return c.streamStructured(ctx, target, resp.Body, sink)
}

func (c *Client) streamStructured(ctx context.Context, target *domain.ProviderTarget, body io.Reader, sink ports.StreamSink) *domain.LunaError {
	adapter, gerr := c.translators.Get(target.Dialect)
	if gerr != nil {
		return domain.NewLunaError(domain.KindInternal, "no dialect adapter for provider", gerr)
	}
	decoder := adapter.NewStreamDecoder()

	scanner := newSSEScanner(body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return domain.NewLunaError(domain.KindStreamAborted, "stream context cancelled", ctx.Err())
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		events, decErr := decoder.Decode(line)
		if decErr != nil {
			return domain.NewLunaError(domain.KindStreamAborted, "malformed upstream stream frame", decErr)
		}
		for _, ev := range events {
			if sinkErr := sink.OnEvent(ev); sinkErr != nil {
				return domain.NewLunaError(domain.KindStreamAborted, "stream sink rejected event", sinkErr)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.NewLunaError(domain.KindStreamAborted, "error reading upstream stream", err)
	}
	return nil
}

// streamPassthrough proxies every line -- including the blank frame
// separators SSE requires -- exactly as read, shadow-extracting metrics
// from data payloads on the way past. The extraction and the forwarding
// share one pass over each line; a payload the extractor cannot make sense
// of is still forwarded, never dropped.
func (c *Client) streamPassthrough(ctx context.Context, target *domain.ProviderTarget, body io.Reader, sink ports.StreamSink) *domain.LunaError {
	scanner := newSSEScanner(body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return domain.NewLunaError(domain.KindStreamAborted, "stream context cancelled", ctx.Err())
		default:
		}

		line := scanner.Bytes()
		event := domain.NormalizedStreamEvent{Type: domain.StreamRaw}
		event.Raw = append(append(event.Raw, line...), '\n')

		if payload, ok := bytes.CutPrefix(line, ssePayloadPrefix); ok {
			shadow := translator.ExtractShadowChunk(target.Dialect, bytes.TrimSpace(payload))
			event.Content = shadow.Content
			event.FinishReason = shadow.FinishReason
		}

		if sinkErr := sink.OnEvent(event); sinkErr != nil {
			return domain.NewLunaError(domain.KindStreamAborted, "stream sink rejected event", sinkErr)
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.NewLunaError(domain.KindStreamAborted, "error reading upstream stream", err)
	}
	return nil
}

func newSSEScanner(body io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return scanner
}
