package triage

import (
	"fmt"
	"time"
)

// EscalatedPolicy selects how messages to an already escalated session are handled.
type EscalatedPolicy string

const (
	// PolicyRetriage keeps running the full pipeline after escalation.
	PolicyRetriage EscalatedPolicy = "retriage"

	// PolicyAcknowledge skips every stage and replies with a hand-off notice.
	PolicyAcknowledge EscalatedPolicy = "acknowledge"
)

const (
	DefaultCallTimeout     = 20 * time.Second
	DefaultMaxTokens       = 1024
	DefaultMaxMessageChars = 4000
	DefaultMaxConcurrent   = 64
)

// Prompts holds the text sent to the reasoning service. Templates use
// text/template syntax; see the fields on validationData, answerData and
// summaryData for what each one can reference.
type Prompts struct {
	Persona    string
	Validation string
	Answer     string
	Summary    string
}

// DefaultPrompts returns the stock prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		Persona: "You are a helpful and friendly AI customer support assistant. " +
			"Your primary goal is to answer user questions based on the provided context. " +
			"Be concise and clear in your responses.",
		Validation: `You are a strict AI assistant. Your job is to determine if a general knowledge base article can solve a user's specific problem.

User's specific problem: "{{.Question}}"
General knowledge base article: "{{.Context}}"

Does the knowledge base article provide a direct solution to the user's specific problem?
- If the article is just a general policy and the user has a specific issue (like something is missing, broken, or not working), the answer is NO.
- If the article gives the exact steps to directly solve the user's problem, the answer is YES.

Respond with only "YES" or "NO".`,
		Answer: `Based on the conversation so far and the following context from our knowledge base, answer the user's question.

Knowledge Base Context:
{{.Context}}

User's Question:
{{.Question}}`,
		Summary: `Based on the following conversation history, provide a concise, one-sentence summary of the user's issue for a human agent.

Conversation History:
{{.History}}

Summary:`,
	}
}

// Config is the explicit configuration of the triage engine and reasoner.
type Config struct {
	Prompts Prompts

	// CallTimeout bounds every external call (retrieve, validate, generate, summarize).
	CallTimeout time.Duration

	// MaxTokens caps each LLM response.
	MaxTokens int

	EscalatedPolicy EscalatedPolicy
}

// DefaultConfig returns a Config with stock prompts and limits.
func DefaultConfig() Config {
	return Config{
		Prompts:         DefaultPrompts(),
		CallTimeout:     DefaultCallTimeout,
		MaxTokens:       DefaultMaxTokens,
		EscalatedPolicy: PolicyRetriage,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prompts.Persona == "" {
		c.Prompts.Persona = d.Prompts.Persona
	}
	if c.Prompts.Validation == "" {
		c.Prompts.Validation = d.Prompts.Validation
	}
	if c.Prompts.Answer == "" {
		c.Prompts.Answer = d.Prompts.Answer
	}
	if c.Prompts.Summary == "" {
		c.Prompts.Summary = d.Prompts.Summary
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.EscalatedPolicy == "" {
		c.EscalatedPolicy = d.EscalatedPolicy
	}
	return c
}

// ParseEscalatedPolicy validates a policy name.
func ParseEscalatedPolicy(s string) (EscalatedPolicy, error) {
	switch p := EscalatedPolicy(s); p {
	case PolicyRetriage, PolicyAcknowledge:
		return p, nil
	default:
		return "", fmt.Errorf("unknown escalated policy %q (want %q or %q)", s, PolicyRetriage, PolicyAcknowledge)
	}
}
