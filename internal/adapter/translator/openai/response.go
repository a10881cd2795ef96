package openai

import (
	"encoding/json"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

func finishReasonToWire(f domain.FinishReason) string {
	switch f {
	case domain.FinishStop, domain.FinishEndTurn:
		return "stop"
	case domain.FinishLength:
		return "length"
	case domain.FinishToolCalls:
		return "tool_calls"
	case domain.FinishContentFilter:
		return "content_filter"
	case domain.FinishStopSequence:
		return "stop"
	default:
		return "stop"
	}
}

func wireToFinishReason(s string) domain.FinishReason {
	switch s {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "tool_calls":
		return domain.FinishToolCalls
	case "content_filter":
		return domain.FinishContentFilter
	case "":
		return domain.FinishStop
	default:
		return domain.FinishError
	}
}

// ParseResponse decodes a non-streaming OpenAI chat-completions response
// into the normalized model.
func (a *Adapter) ParseResponse(body []byte) (*domain.NormalizedResponse, *domain.LunaError) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, domain.NewLunaError(domain.KindUpstreamPermanent, "failed to parse openai response", err)
	}
	if len(wire.Choices) == 0 {
		return nil, domain.NewLunaError(domain.KindUpstreamPermanent, "openai response has no choices", nil)
	}

	resp := &domain.NormalizedResponse{ID: wire.ID, Model: wire.Model}
	for _, c := range wire.Choices {
		text, _ := c.Message.Content.(string)
		msg := domain.Message{Role: domain.Role(c.Message.Role), Text: text}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		resp.Choices = append(resp.Choices, domain.Choice{Index: c.Index, Message: msg, FinishReason: wireToFinishReason(c.FinishReason)})
	}

	resp.Usage = domain.Usage{InputTokens: wire.Usage.PromptTokens, OutputTokens: wire.Usage.CompletionTokens}
	if wire.Usage.CompletionTokensDetails != nil {
		resp.Usage.ReasoningTokens = wire.Usage.CompletionTokensDetails.ReasoningTokens
		resp.Usage.AudioOutputTokens = wire.Usage.CompletionTokensDetails.AudioTokens
	}
	if wire.Usage.PromptTokensDetails != nil {
		resp.Usage.CacheReadTokens = wire.Usage.PromptTokensDetails.CachedTokens
		resp.Usage.AudioInputTokens = wire.Usage.PromptTokensDetails.AudioTokens
	}
	resp.Usage.Total()
	return resp, nil
}

// SerializeResponse renders the normalized model as an OpenAI
// chat-completions response body.
func (a *Adapter) SerializeResponse(resp *domain.NormalizedResponse) ([]byte, *domain.LunaError) {
	wire := wireResponse{ID: resp.ID, Object: "chat.completion", Model: resp.Model}
	for _, c := range resp.Choices {
		wm := wireMessage{Role: string(c.Message.Role), Content: c.Message.Text}
		for _, tc := range c.Message.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: tc.ID, Type: "function", Function: wireFuncCall{Name: tc.Name, Arguments: tc.Arguments}})
		}
		wire.Choices = append(wire.Choices, wireChoice{Index: c.Index, Message: wm, FinishReason: finishReasonToWire(c.FinishReason)})
	}
	wire.Usage = wireUsage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	out, err := json.Marshal(wire)
	if err != nil {
		return nil, domain.NewLunaError(domain.KindInternal, "failed to serialise openai response", err)
	}
	return out, nil
}
