package translator

import (
	"testing"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

func TestExtractShadowChunkOpenAI(t *testing.T) {
	chunk := ExtractShadowChunk(domain.DialectOpenAI,
		[]byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"hello"},"finish_reason":null}]}`))
	if chunk.Content != "hello" {
		t.Errorf("expected content extracted, got %q", chunk.Content)
	}
	if chunk.Terminal {
		t.Error("content chunk must not be terminal")
	}

	chunk = ExtractShadowChunk(domain.DialectOpenAI,
		[]byte(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	if chunk.FinishReason != domain.FinishStop {
		t.Errorf("expected finish reason stop, got %v", chunk.FinishReason)
	}

	chunk = ExtractShadowChunk(domain.DialectOpenAI, []byte("[DONE]"))
	if !chunk.Terminal {
		t.Error("[DONE] must be terminal")
	}
}

func TestExtractShadowChunkAnthropic(t *testing.T) {
	chunk := ExtractShadowChunk(domain.DialectAnthropic,
		[]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`))
	if chunk.Content != "hi" {
		t.Errorf("expected text delta extracted, got %q", chunk.Content)
	}

	chunk = ExtractShadowChunk(domain.DialectAnthropic,
		[]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`))
	if chunk.FinishReason != domain.FinishEndTurn {
		t.Errorf("expected end_turn, got %v", chunk.FinishReason)
	}

	chunk = ExtractShadowChunk(domain.DialectAnthropic, []byte(`{"type":"message_stop"}`))
	if !chunk.Terminal {
		t.Error("message_stop must be terminal")
	}
}

func TestExtractShadowChunkMalformedPayloadYieldsZero(t *testing.T) {
	chunk := ExtractShadowChunk(domain.DialectOpenAI, []byte(`{"choices": [broken`))
	if chunk.Content != "" || chunk.Terminal {
		t.Errorf("malformed payload must yield a zero chunk, got %+v", chunk)
	}
}
