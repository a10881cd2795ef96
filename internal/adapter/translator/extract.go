package translator

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// ShadowChunk is what the passthrough shadow extractor recovers from one raw
// SSE data payload: enough for metric capture (delta text, terminal state)
// without a structured decode of the whole frame.
type ShadowChunk struct {
	Content      string
	FinishReason domain.FinishReason
	Terminal     bool
}

var doneMarker = []byte("[DONE]")

// ExtractShadowChunk performs the lightweight single-field lookups a
// same-dialect passthrough stream needs for its metrics while the raw bytes
// are proxied to the client untouched. gjson.GetBytes scans forward to the
// first matching key without building an intermediate map, so a malformed or
// unrecognised payload costs one failed scan and yields a zero ShadowChunk
// rather than an error -- passthrough must never fail on frames the upstream
// considered valid.
func ExtractShadowChunk(dialect domain.Dialect, payload []byte) ShadowChunk {
	if len(payload) == 0 {
		return ShadowChunk{}
	}
	if bytes.Equal(bytes.TrimSpace(payload), doneMarker) {
		return ShadowChunk{Terminal: true}
	}

	switch dialect {
	case domain.DialectAnthropic:
		return shadowAnthropic(payload)
	default:
		return shadowOpenAI(payload)
	}
}

func shadowOpenAI(payload []byte) ShadowChunk {
	var chunk ShadowChunk
	if content := gjson.GetBytes(payload, "choices.0.delta.content"); content.Type == gjson.String {
		chunk.Content = content.Str
	}
	if reason := gjson.GetBytes(payload, "choices.0.finish_reason"); reason.Type == gjson.String && reason.Str != "" {
		chunk.FinishReason = openAIFinishReason(reason.Str)
	}
	return chunk
}

func shadowAnthropic(payload []byte) ShadowChunk {
	var chunk ShadowChunk
	eventType := gjson.GetBytes(payload, "type").Str
	switch eventType {
	case "content_block_delta":
		if text := gjson.GetBytes(payload, "delta.text"); text.Type == gjson.String {
			chunk.Content = text.Str
		}
	case "message_delta":
		if reason := gjson.GetBytes(payload, "delta.stop_reason"); reason.Type == gjson.String && reason.Str != "" {
			chunk.FinishReason = anthropicFinishReason(reason.Str)
		}
	case "message_stop":
		chunk.Terminal = true
	}
	return chunk
}

func openAIFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "tool_calls":
		return domain.FinishToolCalls
	case "content_filter":
		return domain.FinishContentFilter
	default:
		return domain.FinishError
	}
}

func anthropicFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "end_turn":
		return domain.FinishEndTurn
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCalls
	case "stop_sequence":
		return domain.FinishStopSequence
	default:
		return domain.FinishError
	}
}
