package triage

import (
	"context"
	"fmt"
	"time"
)

// Update is the only way session state changes after creation. Either every
// message plus the status/summary change lands, or none of it does.
type Update struct {
	// ExpectVersion must match the stored version or the write is rejected
	// with ErrConflict.
	ExpectVersion int64

	Messages []Message

	// Status is applied only when it moves the session forward; empty
	// leaves it unchanged.
	Status Status

	// Summary is stored only if the session does not have one yet.
	Summary string
}

// Store is the persistence interface for sessions.
type Store interface {
	Get(ctx context.Context, id string) (*Session, bool, error)
	Create(ctx context.Context, s *Session) error
	AppendAndSave(ctx context.Context, id string, u Update) (*Session, error)
	List(ctx context.Context) ([]SessionSummary, error)
}

// ApplyUpdate mutates s in place according to the store rules: version check,
// append-only history, monotonic status and write-once summary. Stores that
// keep whole sessions (memstore, redisstore) share it; pgstore mirrors it in SQL.
func ApplyUpdate(s *Session, u Update, now time.Time) error {
	if s.Version != u.ExpectVersion {
		return fmt.Errorf("%w: session %s at version %d, update expects %d",
			ErrConflict, s.ID, s.Version, u.ExpectVersion)
	}

	s.Messages = append(s.Messages, u.Messages...)

	if u.Status == StatusEscalated {
		s.Status = StatusEscalated
	}
	if s.Summary == "" && u.Summary != "" {
		s.Summary = u.Summary
	}

	s.Version++
	s.UpdatedAt = now
	return nil
}
