package domain

// Role identifies the speaker of a Message in a provider-agnostic way.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType discriminates the variants a ContentPart can carry.
type ContentPartType string

const (
	ContentPartText       ContentPartType = "text"
	ContentPartToolUse    ContentPartType = "tool_use"
	ContentPartToolResult ContentPartType = "tool_result"
)

// ContentPart is one block of a Message's content when the dialect represents
// content as a sequence of typed blocks (Anthropic) rather than a flat string.
type ContentPart struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// ToolUse fields
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`

	// ToolResult fields
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultText  string `json:"tool_result_text,omitempty"`
	ToolResultError bool   `json:"tool_result_is_error,omitempty"`
}

// ToolCall is a request, made by the model, to invoke a named tool with
// serialized JSON arguments. It is carried on an assistant Message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of the conversation. Content is either a flat string
// (Text) or a sequence of ContentParts; exactly one of the two is populated.
type Message struct {
	Role       Role          `json:"role"`
	Text       string        `json:"text,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// HasParts reports whether the message uses block-structured content rather
// than a flat string.
func (m Message) HasParts() bool {
	return len(m.Parts) > 0
}

// ToolChoiceMode selects how the model should decide whether to invoke tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice is a tagged variant: Mode selects the behaviour, and Name is
// populated only when Mode is ToolChoiceSpecific.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// Tool is a function the model may call, described by a JSON Schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolResult is the outcome of a previously requested ToolCall, supplied by
// the client on a follow-up turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Origin is the transport context the ingress layer stamps onto a request
// before routing: correlation identifiers, the listener dialect, the raw
// wire body (kept for same-dialect passthrough), and the client's own
// Authorization credential for BYO-key forwarding. None of it serializes
// into an upstream request body.
type Origin struct {
	RequestID     string
	SessionID     string
	ClientIP      string
	Dialect       Dialect
	RawBody       []byte
	Authorization string
}

// NormalizedRequest is the provider-agnostic representation every dialect
// adapter translates into and out of. See domain invariants in
// Validate.
type NormalizedRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	System   string    `json:"system,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	Stream bool `json:"stream"`

	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	ToolResults []ToolResult `json:"tool_results,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
	Warnings []string       `json:"-"`

	Origin Origin `json:"-"`
}

const (
	MaxMessageContentBytes = 1 << 20 // 1 MiB
	MaxMessages            = 100_000
	MaxModelNameLength     = 256
	MaxToolArgumentBytes   = 1 << 20 // 1 MiB
	MaxTemperature         = 2.0
	MaxTopP                = 1.0
	MaxPenalty             = 2.0
	MinPenalty             = -2.0
	MaxTokensCeiling       = 100_000
)

// Validate checks the invariants that are dialect-independent. Dialect
// adapters additionally enforce their own tighter ranges (e.g. Anthropic's
// [0,1] temperature) before calling this.
func (r *NormalizedRequest) Validate() *LunaError {
	if r.Model == "" {
		return NewLunaError(KindInvalidRequest, "model is required", nil)
	}
	if len(r.Model) > MaxModelNameLength {
		return NewLunaError(KindInvalidRequest, "model name too long", nil)
	}
	if len(r.Messages) == 0 {
		return NewLunaError(KindInvalidRequest, "messages must not be empty", nil)
	}
	if len(r.Messages) > MaxMessages {
		return NewLunaError(KindInvalidRequest, "too many messages", nil)
	}
	for i := range r.Messages {
		if len(r.Messages[i].Text) > MaxMessageContentBytes {
			return NewLunaError(KindInvalidRequest, "message content too large", nil)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > MaxTemperature) {
		return NewLunaError(KindInvalidRequest, "temperature out of range", nil)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > MaxTopP) {
		return NewLunaError(KindInvalidRequest, "top_p out of range", nil)
	}
	if r.TopK != nil && *r.TopK <= 0 {
		return NewLunaError(KindInvalidRequest, "top_k must be positive", nil)
	}
	if r.MaxTokens != nil && (*r.MaxTokens < 1 || *r.MaxTokens > MaxTokensCeiling) {
		return NewLunaError(KindInvalidRequest, "max_tokens out of range", nil)
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < MinPenalty || *r.PresencePenalty > MaxPenalty) {
		return NewLunaError(KindInvalidRequest, "presence_penalty out of range", nil)
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < MinPenalty || *r.FrequencyPenalty > MaxPenalty) {
		return NewLunaError(KindInvalidRequest, "frequency_penalty out of range", nil)
	}
	if r.ToolChoice != nil && r.ToolChoice.Mode == ToolChoiceSpecific {
		found := false
		for _, t := range r.Tools {
			if t.Name == r.ToolChoice.Name {
				found = true
				break
			}
		}
		if !found {
			return NewLunaError(KindInvalidRequest, "tool_choice names an unknown tool", nil)
		}
	}
	return nil
}
