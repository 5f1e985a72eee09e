// internal/triage/llm.go
package triage

import "context"

// Provider is the interface for any LLM backend.
type Provider interface {
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// LLMRequest represents the input to the LLM provider: a system prompt and the
// conversation to continue.
type LLMRequest struct {
	MaxTokens int
	System    string
	Messages  []LLMMessage
}

// LLMMessage is a single text turn sent to the provider.
type LLMMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LLMResponse represents the output from the LLM provider, including the generated text, stop reason, and token usage.
type LLMResponse struct {
	Text       string
	StopReason StopReason
	Usage      Usage
	Model      string
}

// StopReason indicates why the LLM stopped generating content.
type StopReason string

const (
	StopEnd       StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
