package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// wireRequest is the Anthropic Messages API request shape.
type wireRequest struct {
	Model         string          `json:"model"`
	Messages      []wireMessage   `json:"messages"`
	System        any             `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    any             `json:"tool_choice,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// wireMessage's Content is either a plain string or a []any of content
// blocks; encoding/json can't discriminate this so it's decoded as `any`
// and type-switched in convertMessagesIn.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// maxAnthropicTemperature is the dialect-specific ceiling; this dialect
// additionally bounds Anthropic temperature to [0,1] on ingress, tighter
// than NormalizedRequest's dialect-independent [0,2].
const maxAnthropicTemperature = 1.0

// ParseRequest decodes an Anthropic Messages request body into the
// normalized model.
func (a *Adapter) ParseRequest(body []byte) (*domain.NormalizedRequest, *domain.LunaError) {
	if len(body) > maxRequestBytes {
		return nil, domain.NewLunaError(domain.KindRequestTooLarge, "request body exceeds maximum size", nil)
	}

	var wire wireRequest
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, domain.NewLunaError(domain.KindInvalidRequest, "failed to parse Anthropic request", err)
	}

	if wire.Temperature != nil && (*wire.Temperature < 0 || *wire.Temperature > maxAnthropicTemperature) {
		return nil, domain.NewLunaError(domain.KindInvalidRequest, "temperature out of range for anthropic dialect [0,1]", nil)
	}

	req := &domain.NormalizedRequest{
		Model:         wire.Model,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		TopK:          wire.TopK,
		StopSequences: wire.StopSequences,
		Stream:        wire.Stream,
	}
	if wire.MaxTokens > 0 {
		req.MaxTokens = &wire.MaxTokens
	}
	if sys := convertSystemPromptIn(wire.System); sys != "" {
		req.System = sys
	}

	messages, toolResults, err := convertMessagesIn(wire.Messages)
	if err != nil {
		return nil, domain.NewLunaError(domain.KindInvalidRequest, "failed to convert messages", err)
	}
	req.Messages = messages
	req.ToolResults = toolResults

	if len(wire.Tools) > 0 {
		req.Tools = make([]domain.Tool, len(wire.Tools))
		for i, t := range wire.Tools {
			req.Tools[i] = domain.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
		}
	}
	if wire.ToolChoice != nil {
		tc, tcErr := convertToolChoiceIn(wire.ToolChoice)
		if tcErr != nil {
			return nil, domain.NewLunaError(domain.KindInvalidRequest, tcErr.Error(), nil)
		}
		req.ToolChoice = tc
	}
	if wire.Metadata != nil {
		req.Metadata = wire.Metadata
	}

	if lerr := req.Validate(); lerr != nil {
		return nil, lerr
	}
	return req, nil
}

// SerializeRequest renders the normalized model as Anthropic Messages wire
// bytes, regrouping flattened tool-result/tool-call messages back into
// Anthropic's block-structured form.
func (a *Adapter) SerializeRequest(req *domain.NormalizedRequest) ([]byte, *domain.LunaError) {
	buf := a.bufferPool.Get()
	defer a.bufferPool.Put(buf)

	wire := wireRequest{
		Model:         req.Model,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
	}
	if req.MaxTokens != nil {
		wire.MaxTokens = *req.MaxTokens
	} else {
		wire.MaxTokens = 4096
	}
	if req.System != "" {
		wire.System = req.System
	}
	if req.Metadata != nil {
		wire.Metadata = req.Metadata
	}

	wire.Messages = convertMessagesOut(req.Messages, req.ToolResults)

	if len(req.Tools) > 0 {
		wire.Tools = make([]wireTool, len(req.Tools))
		for i, t := range req.Tools {
			wire.Tools[i] = wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
		}
	}
	if req.ToolChoice != nil {
		wire.ToolChoice = convertToolChoiceOut(*req.ToolChoice)
	}

	buf.Reset()
	if err := json.NewEncoder(buf).Encode(wire); err != nil {
		return nil, domain.NewLunaError(domain.KindInternal, "failed to serialise anthropic request", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func convertSystemPromptIn(system any) string {
	if s, ok := system.(string); ok {
		return s
	}
	if blocks, ok := system.([]any); ok {
		var parts []string
		for _, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if bm["type"] == contentTypeText {
				if text, ok := bm["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "")
	}
	return ""
}

// convertMessagesIn flattens Anthropic's block-structured messages into the
// normalized Message sequence. tool_result blocks become Role:Tool messages
// and are additionally
// mirrored into the returned ToolResults slice for tool-call recording.
func convertMessagesIn(msgs []wireMessage) ([]domain.Message, []domain.ToolResult, error) {
	out := make([]domain.Message, 0, len(msgs)+1)
	var toolResults []domain.ToolResult

	for _, msg := range msgs {
		role := domain.Role(msg.Role)
		if role != domain.RoleUser && role != domain.RoleAssistant {
			return nil, nil, fmt.Errorf("invalid message role: %q", msg.Role)
		}

		if text, ok := msg.Content.(string); ok {
			if text != "" {
				out = append(out, domain.Message{Role: role, Text: text})
			}
			continue
		}

		blocks, ok := msg.Content.([]any)
		if !ok {
			if single, ok := msg.Content.(map[string]any); ok {
				blocks = []any{single}
			} else {
				return nil, nil, fmt.Errorf("invalid content type: %T", msg.Content)
			}
		}

		if role == domain.RoleUser {
			var textParts []string
			for _, b := range blocks {
				bm, ok := b.(map[string]any)
				if !ok {
					continue
				}
				switch bm["type"] {
				case contentTypeText:
					if text, ok := bm["text"].(string); ok && text != "" {
						textParts = append(textParts, text)
					}
				case contentTypeToolResult:
					toolUseID, _ := bm["tool_use_id"].(string)
					isErr, _ := bm["is_error"].(bool)
					content := stringifyToolResultContent(bm["content"])
					out = append(out, domain.Message{Role: domain.RoleTool, ToolCallID: toolUseID, Text: content})
					toolResults = append(toolResults, domain.ToolResult{ToolCallID: toolUseID, Content: content, IsError: isErr})
				}
			}
			if len(textParts) > 0 {
				out = append(out, domain.Message{Role: domain.RoleUser, Text: strings.Join(textParts, "")})
			}
		} else {
			var textContent strings.Builder
			var toolCalls []domain.ToolCall
			for _, b := range blocks {
				bm, ok := b.(map[string]any)
				if !ok {
					continue
				}
				switch bm["type"] {
				case contentTypeText:
					if text, ok := bm["text"].(string); ok {
						textContent.WriteString(text)
					}
				case contentTypeToolUse:
					id, _ := bm["id"].(string)
					name, _ := bm["name"].(string)
					input, _ := bm["input"].(map[string]any)
					if id == "" || name == "" {
						continue
					}
					argsJSON, _ := json.Marshal(input)
					toolCalls = append(toolCalls, domain.ToolCall{ID: id, Name: name, Arguments: string(argsJSON)})
				}
			}
			if textContent.Len() > 0 || len(toolCalls) > 0 {
				out = append(out, domain.Message{Role: domain.RoleAssistant, Text: textContent.String(), ToolCalls: toolCalls})
			}
		}
	}

	return out, toolResults, nil
}

func stringifyToolResultContent(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	if content == nil {
		return ""
	}
	b, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return string(b)
}

// convertMessagesOut regroups the flattened normalized sequence back into
// Anthropic's block-structured messages: a run of consecutive Role:Tool
// messages becomes one user message carrying tool_result blocks, and an
// assistant message's ToolCalls become tool_use blocks appended after text.
func convertMessagesOut(msgs []domain.Message, toolResults []domain.ToolResult) []wireMessage {
	isErrByID := make(map[string]bool, len(toolResults))
	for _, tr := range toolResults {
		isErrByID[tr.ToolCallID] = tr.IsError
	}

	out := make([]wireMessage, 0, len(msgs))
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		switch m.Role {
		case domain.RoleTool:
			var blocks []any
			for i < len(msgs) && msgs[i].Role == domain.RoleTool {
				blocks = append(blocks, map[string]any{
					"type":        contentTypeToolResult,
					"tool_use_id": msgs[i].ToolCallID,
					"content":     msgs[i].Text,
					"is_error":    isErrByID[msgs[i].ToolCallID],
				})
				i++
			}
			out = append(out, wireMessage{Role: "user", Content: blocks})
			continue
		case domain.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, wireMessage{Role: "assistant", Content: m.Text})
				i++
				continue
			}
			var blocks []any
			if m.Text != "" {
				blocks = append(blocks, map[string]any{"type": contentTypeText, "text": m.Text})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
				blocks = append(blocks, map[string]any{
					"type":  contentTypeToolUse,
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			out = append(out, wireMessage{Role: "assistant", Content: blocks})
			i++
		default:
			out = append(out, wireMessage{Role: string(m.Role), Content: m.Text})
			i++
		}
	}
	return out
}

func convertToolChoiceIn(tc any) (*domain.ToolChoice, error) {
	if s, ok := tc.(string); ok {
		switch s {
		case toolChoiceAuto:
			return &domain.ToolChoice{Mode: domain.ToolChoiceAuto}, nil
		case toolChoiceAny:
			return &domain.ToolChoice{Mode: domain.ToolChoiceRequired}, nil
		case toolChoiceNone:
			return &domain.ToolChoice{Mode: domain.ToolChoiceNone}, nil
		default:
			return &domain.ToolChoice{Mode: domain.ToolChoiceAuto}, nil
		}
	}
	if m, ok := tc.(map[string]any); ok {
		switch m["type"] {
		case toolChoiceAuto:
			return &domain.ToolChoice{Mode: domain.ToolChoiceAuto}, nil
		case toolChoiceAny:
			return &domain.ToolChoice{Mode: domain.ToolChoiceRequired}, nil
		case toolChoiceTool:
			name, _ := m["name"].(string)
			if name == "" {
				return nil, fmt.Errorf("tool_choice type %q requires name", toolChoiceTool)
			}
			return &domain.ToolChoice{Mode: domain.ToolChoiceSpecific, Name: name}, nil
		default:
			return &domain.ToolChoice{Mode: domain.ToolChoiceAuto}, nil
		}
	}
	return &domain.ToolChoice{Mode: domain.ToolChoiceAuto}, nil
}

func convertToolChoiceOut(tc domain.ToolChoice) any {
	switch tc.Mode {
	case domain.ToolChoiceRequired:
		return map[string]any{"type": toolChoiceAny}
	case domain.ToolChoiceNone:
		return toolChoiceNone
	case domain.ToolChoiceSpecific:
		return map[string]any{"type": toolChoiceTool, "name": tc.Name}
	default:
		return toolChoiceAuto
	}
}
