package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// streamDecoder turns OpenAI chat-completions SSE chunks into
// NormalizedStreamEvents. Tool call arguments arrive as successive deltas
// keyed by index; this decoder accumulates them and emits one finalized
// ToolCall event when the next chunk moves to a different index or the
// stream terminates.
type streamDecoder struct {
	started      bool
	toolIndex    int
	toolHasData  bool
	toolID       string
	toolName     string
	toolArgs     strings.Builder
	lastFinish   string
}

func newStreamDecoder() *streamDecoder {
	return &streamDecoder{toolIndex: -1}
}

// Decode consumes one raw SSE line (e.g. "data: {...}" or "data: [DONE]").
func (d *streamDecoder) Decode(line []byte) ([]domain.NormalizedStreamEvent, error) {
	s := strings.TrimSpace(string(line))
	if !strings.HasPrefix(s, "data: ") && !strings.HasPrefix(s, "data:") {
		return nil, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s, "data:"), " "))
	if data == "[DONE]" {
		events := d.flushToolCall()
		events = append(events, domain.NormalizedStreamEvent{Type: domain.StreamEnd, FinishReason: wireToFinishReason(d.lastFinish)})
		return events, nil
	}

	var chunk wireChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("malformed chunk: %w", err)
	}

	var events []domain.NormalizedStreamEvent
	if !d.started {
		d.started = true
		events = append(events, domain.NormalizedStreamEvent{Type: domain.StreamStart, ID: chunk.ID, Model: chunk.Model})
	}

	if chunk.Usage != nil {
		events = append(events, domain.NormalizedStreamEvent{Type: domain.StreamUsage, Usage: domain.Usage{
			InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens, TotalTokens: chunk.Usage.TotalTokens,
		}})
	}

	if len(chunk.Choices) == 0 {
		return events, nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		d.lastFinish = *choice.FinishReason
	}

	if choice.Delta.Content != "" {
		events = append(events, domain.NormalizedStreamEvent{Type: domain.StreamDelta, Index: choice.Index, Content: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		if d.toolHasData && tc.Index != d.toolIndex {
			events = append(events, d.flushToolCall()...)
		}
		d.toolIndex = tc.Index
		d.toolHasData = true
		if tc.ID != "" {
			d.toolID = tc.ID
		}
		if tc.Function.Name != "" {
			d.toolName = tc.Function.Name
		}
		d.toolArgs.WriteString(tc.Function.Arguments)
	}

	return events, nil
}

func (d *streamDecoder) flushToolCall() []domain.NormalizedStreamEvent {
	if !d.toolHasData {
		return nil
	}
	ev := domain.NormalizedStreamEvent{Type: domain.StreamToolCall, ToolCallID: d.toolID, ToolCallName: d.toolName, ToolCallArgs: d.toolArgs.String()}
	d.toolHasData = false
	d.toolID, d.toolName = "", ""
	d.toolArgs.Reset()
	return []domain.NormalizedStreamEvent{ev}
}

// streamEncoder renders NormalizedStreamEvents as OpenAI chat-completions
// SSE chunks.
type streamEncoder struct {
	w         io.Writer
	id        string
	model     string
	toolIndex int
}

func newStreamEncoder(w io.Writer) *streamEncoder {
	return &streamEncoder{w: w}
}

func (e *streamEncoder) Encode(event domain.NormalizedStreamEvent) error {
	switch event.Type {
	case domain.StreamStart:
		e.id, e.model = event.ID, event.Model
		return e.writeChunk(wireChunk{ID: e.id, Model: e.model, Choices: []wireChunkChoice{{Delta: wireChunkDelta{Role: "assistant"}}}})

	case domain.StreamDelta:
		return e.writeChunk(wireChunk{ID: e.id, Model: e.model, Choices: []wireChunkChoice{{Index: event.Index, Delta: wireChunkDelta{Content: event.Content}}}})

	case domain.StreamToolCall:
		idx := e.toolIndex
		e.toolIndex++
		return e.writeChunk(wireChunk{ID: e.id, Model: e.model, Choices: []wireChunkChoice{{Delta: wireChunkDelta{
			ToolCalls: []wireToolCallDelta{{Index: idx, ID: event.ToolCallID, Type: "function", Function: wireFuncCallDelta{Name: event.ToolCallName, Arguments: event.ToolCallArgs}}},
		}}}})

	case domain.StreamUsage:
		usage := wireUsage{PromptTokens: event.Usage.InputTokens, CompletionTokens: event.Usage.OutputTokens, TotalTokens: event.Usage.TotalTokens}
		return e.writeChunk(wireChunk{ID: e.id, Model: e.model, Usage: &usage})

	case domain.StreamPing:
		_, err := fmt.Fprint(e.w, ": ping\n\n")
		return err

	case domain.StreamEnd:
		reason := finishReasonToWire(event.FinishReason)
		if err := e.writeChunk(wireChunk{ID: e.id, Model: e.model, Choices: []wireChunkChoice{{Delta: wireChunkDelta{}, FinishReason: &reason}}}); err != nil {
			return err
		}
		_, err := fmt.Fprint(e.w, "data: [DONE]\n\n")
		return err

	case domain.StreamError:
		body := wireErrorBody{Error: wireErrInfo{Type: event.ErrorCode, Message: event.ErrorMessage}}
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(e.w, "data: %s\n\n", payload)
		return err

	default:
		return nil
	}
}

func (e *streamEncoder) writeChunk(c wireChunk) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	_, err = fmt.Fprintf(e.w, "data: %s\n\n", payload)
	return err
}
