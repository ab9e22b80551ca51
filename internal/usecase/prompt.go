package usecase

import "portfolio-chat/internal/domain"

const (
	maxOutputTokens = 1024
	temperature     = 0.7
)

// FallbackReply is returned when the provider produced no text.
const FallbackReply = "Sorry, I could not generate a response."

func buildPrompt(systemInstruction, message string) domain.Prompt {
	return domain.Prompt{
		SystemInstruction: systemInstruction,
		Message:           message,
		MaxOutputTokens:   maxOutputTokens,
		Temperature:       temperature,
	}
}
