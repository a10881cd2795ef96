package domain

// FinishReason is the unified completion reason, translated to and from each
// dialect's native vocabulary by the translator package's normalize helpers.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolCalls      FinishReason = "tool_calls"
	FinishContentFilter  FinishReason = "content_filter"
	FinishEndTurn        FinishReason = "end_turn"
	FinishStopSequence   FinishReason = "stop_sequence"
	FinishError          FinishReason = "error"
)

// Usage unifies token accounting across dialects. Fields the source dialect
// doesn't report are left at zero rather than omitted, so downstream
// aggregation (recorder, metrics) never has to special-case a missing field.
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	ThinkingTokens       int `json:"thinking_tokens,omitempty"`
	ReasoningTokens      int `json:"reasoning_tokens,omitempty"`
	CacheReadTokens      int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens  int `json:"cache_creation_tokens,omitempty"`
	AudioInputTokens     int `json:"audio_input_tokens,omitempty"`
	AudioOutputTokens    int `json:"audio_output_tokens,omitempty"`
	TotalTokens          int `json:"total_tokens"`
}

// Total fills TotalTokens from the component counters; call after populating
// the rest of Usage from a dialect-specific payload.
func (u *Usage) Total() {
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// Choice is one candidate completion. Providers in the scope of this system
// only ever return a single choice, but the shape stays a slice to mirror
// both wire dialects faithfully.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// NormalizedResponse is the provider-agnostic shape dialect adapters produce
// from a non-streaming upstream response and serialize back into the
// client's dialect.
type NormalizedResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Metadata carries provider-specific fields pulled out of the raw
	// response body by the egress client's JSONPath extractor, for
	// recording alongside the session but otherwise unused by the core.
	Metadata map[string]any `json:"-"`
}
