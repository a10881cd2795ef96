package domain

// StreamEventType discriminates the tagged variants of NormalizedStreamEvent.
// Ordering contract: at most one Start, any number of Delta/ToolCall/Usage/
// Ping in producer order, then exactly one terminal event (End or Error).
type StreamEventType string

const (
	StreamStart    StreamEventType = "start"
	StreamDelta    StreamEventType = "delta"
	StreamToolCall StreamEventType = "tool_call"
	StreamUsage    StreamEventType = "usage"
	StreamPing     StreamEventType = "ping"
	StreamEnd      StreamEventType = "end"
	StreamError    StreamEventType = "error"

	// StreamRaw carries one verbatim SSE frame of a same-dialect
	// passthrough stream. Raw holds the exact bytes to forward; Content and
	// FinishReason are filled best-effort by the shadow extractor so metric
	// capture still works without a structured decode.
	StreamRaw StreamEventType = "raw"
)

// NormalizedStreamEvent is one event of a translated SSE stream. Only the
// fields relevant to Type are populated; the rest are zero values.
type NormalizedStreamEvent struct {
	Type StreamEventType

	// Start
	ID    string
	Model string

	// Delta
	Index          int
	Content        string
	ToolCallDeltaID string

	// ToolCall (finalized)
	ToolCallID   string
	ToolCallName string
	ToolCallArgs string

	// Usage
	Usage Usage

	// End
	FinishReason FinishReason

	// Error
	ErrorCode    string
	ErrorMessage string

	// Raw (passthrough only)
	Raw []byte
}
