package anthropic

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// finishReasonToStopReason maps unified finish reasons onto wire stop reasons.
func finishReasonToStopReason(f domain.FinishReason) string {
	switch f {
	case domain.FinishStop, domain.FinishEndTurn:
		return "end_turn"
	case domain.FinishLength:
		return "max_tokens"
	case domain.FinishToolCalls:
		return contentTypeToolUse
	case domain.FinishContentFilter:
		return "content_filter"
	case domain.FinishStopSequence:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func stopReasonToFinishReason(s string) domain.FinishReason {
	switch s {
	case "end_turn":
		return domain.FinishEndTurn
	case "max_tokens":
		return domain.FinishLength
	case contentTypeToolUse:
		return domain.FinishToolCalls
	case "content_filter":
		return domain.FinishContentFilter
	case "stop_sequence":
		return domain.FinishStopSequence
	case "":
		return domain.FinishEndTurn
	default:
		return domain.FinishError
	}
}

// ParseResponse decodes a non-streaming Anthropic Messages response into the
// normalized model.
func (a *Adapter) ParseResponse(body []byte) (*domain.NormalizedResponse, *domain.LunaError) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, domain.NewLunaError(domain.KindUpstreamPermanent, "failed to parse anthropic response", err)
	}

	var textContent string
	var toolCalls []domain.ToolCall
	for _, block := range wire.Content {
		switch block.Type {
		case contentTypeText:
			textContent += block.Text
		case contentTypeToolUse:
			argsJSON, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, domain.ToolCall{ID: block.ID, Name: block.Name, Arguments: string(argsJSON)})
		}
	}

	finish := stopReasonToFinishReason(wire.StopReason)
	resp := &domain.NormalizedResponse{
		ID:    wire.ID,
		Model: wire.Model,
		Choices: []domain.Choice{{
			Index: 0,
			Message: domain.Message{
				Role:      domain.RoleAssistant,
				Text:      textContent,
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: domain.Usage{
			InputTokens:         wire.Usage.InputTokens,
			OutputTokens:        wire.Usage.OutputTokens,
			CacheReadTokens:     wire.Usage.CacheReadInputTokens,
			CacheCreationTokens: wire.Usage.CacheCreationInputTokens,
		},
	}
	resp.Usage.Total()
	return resp, nil
}

// SerializeResponse renders the normalized model as an Anthropic Messages
// response body.
func (a *Adapter) SerializeResponse(resp *domain.NormalizedResponse) ([]byte, *domain.LunaError) {
	var choice domain.Choice
	if len(resp.Choices) > 0 {
		choice = resp.Choices[0]
	}

	var content []wireContentBlock
	if choice.Message.Text != "" {
		content = append(content, wireContentBlock{Type: contentTypeText, Text: choice.Message.Text})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Arguments), &input)
		content = append(content, wireContentBlock{Type: contentTypeToolUse, ID: tc.ID, Name: tc.Name, Input: input})
	}
	if len(content) == 0 {
		content = append(content, wireContentBlock{Type: contentTypeText, Text: ""})
	}

	wire := wireResponse{
		ID:         idOrGenerated(resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: finishReasonToStopReason(choice.FinishReason),
		Usage: wireUsage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationTokens,
		},
	}

	out, err := json.Marshal(wire)
	if err != nil {
		return nil, domain.NewLunaError(domain.KindInternal, "failed to serialise anthropic response", err)
	}
	return out, nil
}

func idOrGenerated(id string) string {
	if id != "" {
		return id
	}
	return generateMessageID()
}

// base58Alphabet skips visually confusing characters (0/O, I/l).
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// generateMessageID produces msg_01... ids in the shape Anthropic's API
// returns: 16 random bytes base58-encoded gives ~27-29 characters.
func generateMessageID() string {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("msg_01fallback%d", big.NewInt(0).SetBytes(randomBytes[:8]).Uint64())
	}
	return fmt.Sprintf("msg_01%s", encodeBase58(randomBytes))
}

func encodeBase58(input []byte) string {
	num := new(big.Int).SetBytes(input)

	if num.Sign() == 0 {
		return string(base58Alphabet[0])
	}
	var encoded []byte
	base := big.NewInt(58)
	zero := big.NewInt(0)
	mod := new(big.Int)

	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		encoded = append(encoded, base58Alphabet[mod.Int64()])
	}

	for _, b := range input {
		if b == 0 {
			encoded = append(encoded, base58Alphabet[0])
		} else {
			break
		}
	}

	for i, j := 0, len(encoded)-1; i < j; i, j = i+1, j-1 {
		encoded[i], encoded[j] = encoded[j], encoded[i]
	}

	return string(encoded)
}
