package usecase

import (
	"fmt"

	"caramelo-gateway/internal/domain"
)

// buildConversation returns the persona turn, the last maxTurns history
// turns verbatim, then the new user turn.
func buildConversation(persona string, history []domain.ChatMessage, message string, maxTurns int) []domain.ChatMessage {
	if maxTurns > 0 && len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: persona})
	messages = append(messages, history...)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
	return messages
}

// trimToBudget drops the oldest history turns until the conversation fits
// within budget tokens. The system turn and the final user turn always stay,
// even if they alone exceed the budget.
func trimToBudget(counter TokenCounter, model string, messages []domain.ChatMessage, budget int) ([]domain.ChatMessage, error) {
	out := messages
	for {
		n, err := counter.CountTokens(model, out)
		if err != nil {
			return nil, fmt.Errorf("usecase: count tokens: %w", err)
		}
		if n <= budget || len(out) <= 2 {
			return out, nil
		}
		trimmed := make([]domain.ChatMessage, 0, len(out)-1)
		trimmed = append(trimmed, out[0])
		trimmed = append(trimmed, out[2:]...)
		out = trimmed
	}
}
