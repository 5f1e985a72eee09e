package triage

import "time"

// Status tracks where a session is in its lifecycle.
type Status string

const (
	// StatusActive means the assistant is still handling the conversation
	StatusActive Status = "active"

	// StatusEscalated means the conversation has been handed to a human.
	// A session never leaves this state.
	StatusEscalated Status = "escalated"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single immutable entry in a session's history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one continuous conversation. Messages are ordered by index.
type Session struct {
	ID        string    `json:"session_id"`
	Status    Status    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	Messages  []Message `json:"history"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is bumped by every successful AppendAndSave and is used by
	// stores to reject writes computed against stale state.
	Version int64 `json:"-"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	return &cp
}

// Escalated reports whether the session has been handed off.
func (s *Session) Escalated() bool {
	return s.Status == StatusEscalated
}

// SessionSummary is the admin listing view of a session.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Escalated    bool      `json:"is_escalated"`
	Summary      string    `json:"summary,omitempty"`
}

// Summarize builds the listing view for s.
func (s *Session) Summarize() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
		Escalated:    s.Escalated(),
		Summary:      s.Summary,
	}
}
