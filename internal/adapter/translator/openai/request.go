package openai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// ParseRequest decodes an OpenAI chat-completions request body into the
// normalized model.
func (a *Adapter) ParseRequest(body []byte) (*domain.NormalizedRequest, *domain.LunaError) {
	if len(body) > maxRequestBytes {
		return nil, domain.NewLunaError(domain.KindRequestTooLarge, "request body exceeds maximum size", nil)
	}

	var wire wireRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, domain.NewLunaError(domain.KindInvalidRequest, "failed to parse OpenAI request", err)
	}

	req := &domain.NormalizedRequest{
		Model:            wire.Model,
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		MaxTokens:        wire.MaxTokens,
		StopSequences:    wire.Stop,
		PresencePenalty:  wire.PresencePenalty,
		FrequencyPenalty: wire.FrequencyPenalty,
		Stream:           wire.Stream,
		Metadata:         wire.Metadata,
	}

	messages, system, toolResults, err := convertMessagesIn(wire.Messages)
	if err != nil {
		return nil, domain.NewLunaError(domain.KindInvalidRequest, "failed to convert messages", err)
	}
	req.Messages = messages
	req.System = system
	req.ToolResults = toolResults

	if len(wire.Tools) > 0 {
		req.Tools = make([]domain.Tool, len(wire.Tools))
		for i, t := range wire.Tools {
			req.Tools[i] = domain.Tool{Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters}
		}
	}
	if wire.ToolChoice != nil {
		req.ToolChoice = convertToolChoiceIn(wire.ToolChoice)
	}

	if lerr := req.Validate(); lerr != nil {
		return nil, lerr
	}
	return req, nil
}

// SerializeRequest renders the normalized model as OpenAI chat-completions
// wire bytes.
func (a *Adapter) SerializeRequest(req *domain.NormalizedRequest) ([]byte, *domain.LunaError) {
	buf := a.bufferPool.Get()
	defer a.bufferPool.Put(buf)

	wire := wireRequest{
		Model:            req.Model,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Stop:             req.StopSequences,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stream:           req.Stream,
		Metadata:         req.Metadata,
	}

	wire.Messages = convertMessagesOut(req.System, req.Messages)

	if len(req.Tools) > 0 {
		wire.Tools = make([]wireTool, len(req.Tools))
		for i, t := range req.Tools {
			wire.Tools[i] = wireTool{Type: "function", Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}}
		}
	}
	if req.ToolChoice != nil {
		wire.ToolChoice = convertToolChoiceOut(*req.ToolChoice)
	}

	buf.Reset()
	if err := json.NewEncoder(buf).Encode(wire); err != nil {
		return nil, domain.NewLunaError(domain.KindInternal, "failed to serialise openai request", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// convertMessagesIn flattens OpenAI's role-tagged message list into the
// normalized sequence, pulling every string-content system message out into
// NormalizedRequest.System (joined by newlines) the way Anthropic represents
// it natively.
func convertMessagesIn(msgs []wireMessage) ([]domain.Message, string, []domain.ToolResult, error) {
	out := make([]domain.Message, 0, len(msgs))
	var system string
	var toolResults []domain.ToolResult

	for _, m := range msgs {
		role := domain.Role(m.Role)
		switch role {
		case domain.RoleSystem:
			if text, ok := m.Content.(string); ok {
				if system != "" {
					system += "\n" + text
				} else {
					system = text
				}
				continue
			}
		case domain.RoleUser, domain.RoleAssistant, domain.RoleTool:
		default:
			return nil, "", nil, fmt.Errorf("invalid message role: %q", m.Role)
		}

		text, _ := m.Content.(string)
		msg := domain.Message{Role: role, Text: text, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		out = append(out, msg)

		if role == domain.RoleTool {
			toolResults = append(toolResults, domain.ToolResult{ToolCallID: m.ToolCallID, Content: text})
		}
	}

	return out, system, toolResults, nil
}

func convertMessagesOut(system string, msgs []domain.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, wireMessage{Role: string(domain.RoleSystem), Content: system})
	}
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Name: m.Name, ToolCallID: m.ToolCallID}
		if m.Text != "" || len(m.ToolCalls) == 0 {
			wm.Content = m.Text
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: tc.ID, Type: "function", Function: wireFuncCall{Name: tc.Name, Arguments: tc.Arguments}})
		}
		out = append(out, wm)
	}
	return out
}

func convertToolChoiceIn(tc any) *domain.ToolChoice {
	if s, ok := tc.(string); ok {
		switch s {
		case "required":
			return &domain.ToolChoice{Mode: domain.ToolChoiceRequired}
		case "none":
			return &domain.ToolChoice{Mode: domain.ToolChoiceNone}
		default:
			return &domain.ToolChoice{Mode: domain.ToolChoiceAuto}
		}
	}
	if m, ok := tc.(map[string]any); ok {
		if fn, ok := m["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &domain.ToolChoice{Mode: domain.ToolChoiceSpecific, Name: name}
			}
		}
	}
	return &domain.ToolChoice{Mode: domain.ToolChoiceAuto}
}

func convertToolChoiceOut(tc domain.ToolChoice) any {
	switch tc.Mode {
	case domain.ToolChoiceRequired:
		return "required"
	case domain.ToolChoiceNone:
		return "none"
	case domain.ToolChoiceSpecific:
		return map[string]any{"type": "function", "function": map[string]any{"name": tc.Name}}
	default:
		return "auto"
	}
}
