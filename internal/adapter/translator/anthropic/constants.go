package anthropic

// Content type constants for Anthropic's content block model.
const (
	contentTypeText       = "text"
	contentTypeToolUse    = "tool_use"
	contentTypeToolResult = "tool_result"
	contentTypeImage      = "image"
)

// Tool choice constants for the Anthropic tool_choice field.
const (
	toolChoiceAuto = "auto"
	toolChoiceAny  = "any"
	toolChoiceNone = "none"
	toolChoiceTool = "tool"
)

// maxRequestBytes bounds the body this adapter will decode.
const maxRequestBytes = 20 << 20 // 20 MiB

const defaultSessionID = "default"

// defaultAnthropicVersion is sent as the anthropic-version header by the
// egress client.
const defaultAnthropicVersion = "2023-06-01"
