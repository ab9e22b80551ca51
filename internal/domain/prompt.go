package domain

// Prompt is the provider-agnostic generation request built for every chat
// message. It is never shared between requests.
type Prompt struct {
	SystemInstruction string
	Message           string
	MaxOutputTokens   int
	Temperature       float64
}
