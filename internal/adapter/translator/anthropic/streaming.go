package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// streamDecoder turns Anthropic's named SSE events into NormalizedStreamEvents.
// Concurrent content blocks are tracked by index so interleaved text and
// tool_use deltas don't corrupt each other's state.
type streamDecoder struct {
	toolArgs     map[int]*strings.Builder
	toolMeta     map[int]struct{ id, name string }
	started      bool
	pendingEvent string
}

func newStreamDecoder() *streamDecoder {
	return &streamDecoder{
		toolArgs: make(map[int]*strings.Builder),
		toolMeta: make(map[int]struct{ id, name string }),
	}
}

// DecodeNamed consumes one Anthropic SSE event, given its event name and the
// JSON payload of its data line with the "event: "/"data: " framing already
// stripped, and returns zero or more normalized events. Anthropic frames
// events as `event: <name>\ndata: <json>\n\n`; callers pass the data line
// associated with the most recently seen event name.
func (d *streamDecoder) DecodeNamed(eventName string, data []byte) ([]domain.NormalizedStreamEvent, error) {
	switch eventName {
	case "message_start":
		var ev sseMessageStart
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed message_start: %w", err)
		}
		d.started = true
		return []domain.NormalizedStreamEvent{{Type: domain.StreamStart, ID: ev.Message.ID, Model: ev.Message.Model}}, nil

	case "content_block_start":
		var ev sseContentBlockStart
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed content_block_start: %w", err)
		}
		if ev.ContentBlock.Type == contentTypeToolUse {
			d.toolArgs[ev.Index] = &strings.Builder{}
			d.toolMeta[ev.Index] = struct{ id, name string }{ev.ContentBlock.ID, ev.ContentBlock.Name}
		}
		return nil, nil

	case "content_block_delta":
		var ev sseContentBlockDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed content_block_delta: %w", err)
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []domain.NormalizedStreamEvent{{Type: domain.StreamDelta, Index: ev.Index, Content: ev.Delta.Text}}, nil
		case "input_json_delta":
			if b, ok := d.toolArgs[ev.Index]; ok {
				b.WriteString(ev.Delta.PartialJSON)
			}
		}
		return nil, nil

	case "content_block_stop":
		var ev sseContentBlockStop
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed content_block_stop: %w", err)
		}
		if meta, ok := d.toolMeta[ev.Index]; ok {
			args := ""
			if b, ok := d.toolArgs[ev.Index]; ok {
				args = b.String()
			}
			delete(d.toolMeta, ev.Index)
			delete(d.toolArgs, ev.Index)
			return []domain.NormalizedStreamEvent{{Type: domain.StreamToolCall, ToolCallID: meta.id, ToolCallName: meta.name, ToolCallArgs: args}}, nil
		}
		return nil, nil

	case "message_delta":
		var ev sseMessageDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed message_delta: %w", err)
		}
		events := []domain.NormalizedStreamEvent{{Type: domain.StreamUsage, Usage: domain.Usage{
			InputTokens:  ev.Usage.InputTokens,
			OutputTokens: ev.Usage.OutputTokens,
		}}}
		return append(events, domain.NormalizedStreamEvent{Type: domain.StreamEnd, FinishReason: stopReasonToFinishReason(ev.Delta.StopReason)}), nil

	case "message_stop":
		return nil, nil

	case "ping":
		return []domain.NormalizedStreamEvent{{Type: domain.StreamPing}}, nil

	case "error":
		var body wireErrorBody
		_ = json.Unmarshal(data, &body)
		return []domain.NormalizedStreamEvent{{Type: domain.StreamError, ErrorCode: body.Error.Type, ErrorMessage: body.Error.Message}}, nil

	default:
		return nil, nil
	}
}

// Decode implements ports.StreamDecoder over raw lines for adapters that feed
// the generic line-oriented SSE reader in egress; it buffers the pending
// `event:` name and dispatches on the following `data:` line, matching the
// Anthropic wire framing.
func (d *streamDecoder) Decode(line []byte) ([]domain.NormalizedStreamEvent, error) {
	s := string(line)
	switch {
	case strings.HasPrefix(s, "event: "):
		d.pendingEvent = strings.TrimSpace(strings.TrimPrefix(s, "event: "))
		return nil, nil
	case strings.HasPrefix(s, "data: "):
		data := strings.TrimPrefix(s, "data: ")
		ev := d.pendingEvent
		d.pendingEvent = ""
		return d.DecodeNamed(ev, []byte(data))
	default:
		return nil, nil
	}
}

// streamEncoder renders NormalizedStreamEvents as Anthropic SSE bytes,
// opening/closing content blocks as the event stream transitions between
// text and finalized tool calls.
type streamEncoder struct {
	w            io.Writer
	blockOpen    bool
	blockIsText  bool
	blockIndex   int
	nextIndex    int
	messageStart bool
	usage        domain.Usage
}

func newStreamEncoder(w io.Writer) *streamEncoder {
	return &streamEncoder{w: w}
}

func (e *streamEncoder) Encode(event domain.NormalizedStreamEvent) error {
	switch event.Type {
	case domain.StreamStart:
		e.messageStart = true
		return e.writeEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": idOrGenerated(event.ID), "type": "message", "role": "assistant",
				"model": event.Model, "content": []any{},
				"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})

	case domain.StreamDelta:
		if !e.blockOpen || !e.blockIsText {
			if err := e.closeBlockIfOpen(); err != nil {
				return err
			}
			e.blockIndex = e.nextIndex
			e.nextIndex++
			e.blockOpen, e.blockIsText = true, true
			if err := e.writeEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": e.blockIndex,
				"content_block": map[string]any{"type": contentTypeText, "text": ""},
			}); err != nil {
				return err
			}
		}
		return e.writeEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": e.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": event.Content},
		})

	case domain.StreamToolCall:
		if err := e.closeBlockIfOpen(); err != nil {
			return err
		}
		idx := e.nextIndex
		e.nextIndex++
		if err := e.writeEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": idx,
			"content_block": map[string]any{"type": contentTypeToolUse, "id": event.ToolCallID, "name": event.ToolCallName},
		}); err != nil {
			return err
		}
		if err := e.writeEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": event.ToolCallArgs},
		}); err != nil {
			return err
		}
		return e.writeEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})

	case domain.StreamUsage:
		e.usage = event.Usage
		return nil // folded into the End event's message_delta below

	case domain.StreamPing:
		return e.writeEvent("ping", map[string]any{"type": "ping"})

	case domain.StreamEnd:
		if err := e.closeBlockIfOpen(); err != nil {
			return err
		}
		usage := event.Usage
		if usage == (domain.Usage{}) {
			usage = e.usage
		}
		if err := e.writeEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": finishReasonToStopReason(event.FinishReason), "stop_sequence": nil},
			"usage": map[string]any{"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens},
		}); err != nil {
			return err
		}
		return e.writeEvent("message_stop", map[string]any{"type": "message_stop"})

	case domain.StreamError:
		return e.writeEvent("error", wireErrorBody{Type: "error", Error: wireErrInfo{Type: event.ErrorCode, Message: event.ErrorMessage}})

	default:
		return nil
	}
}

func (e *streamEncoder) closeBlockIfOpen() error {
	if !e.blockOpen {
		return nil
	}
	e.blockOpen = false
	return e.writeEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": e.blockIndex})
}

func (e *streamEncoder) writeEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	_, err = fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
