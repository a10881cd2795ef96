package anthropic

// wireResponse is the Anthropic Messages API non-stream response shape.
type wireResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Model        string             `json:"model"`
	Content      []wireContentBlock `json:"content"`
	StopReason   string             `json:"stop_reason,omitempty"`
	StopSequence *string            `json:"stop_sequence,omitempty"`
	Usage        wireUsage          `json:"usage"`
}

type wireContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type wireErrorBody struct {
	Type  string      `json:"type"`
	Error wireErrInfo `json:"error"`
}

type wireErrInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Streaming event payloads, one struct per named SSE event.

type sseMessageStart struct {
	Type    string `json:"type"`
	Message struct {
		ID      string    `json:"id"`
		Type    string    `json:"type"`
		Role    string    `json:"role"`
		Model   string    `json:"model"`
		Content []any     `json:"content"`
		Usage   wireUsage `json:"usage"`
	} `json:"message"`
}

type sseContentBlockStart struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	ContentBlock wireContentBlock `json:"content_block"`
}

type sseContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type sseContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type sseMessageDelta struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string  `json:"stop_reason,omitempty"`
		StopSequence *string `json:"stop_sequence,omitempty"`
	} `json:"delta"`
	Usage wireUsage `json:"usage"`
}

type sseMessageStop struct {
	Type string `json:"type"`
}

type ssePing struct {
	Type string `json:"type"`
}
