// Package domain holds the gateway's canonical API identifiers and error
// taxonomy.
package domain

// APIType identifies a client-facing protocol.
type APIType string

const (
	APITypeOpenAI    APIType = "openai"
	APITypeAnthropic APIType = "anthropic"

	// APITypeGemini is reserved. No translator or generator exists for it yet.
	APITypeGemini APIType = "gemini"
)
