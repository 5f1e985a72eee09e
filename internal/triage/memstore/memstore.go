// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

// Store holds sessions in memory. Suitable for dev/testing and single-replica
// deployments.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*triage.Session
	now      func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*triage.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get retrieves a session by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return sess.Clone(), true, nil
}

// Create stores a copy of a new session. Existing ids are rejected.
func (s *Store) Create(_ context.Context, sess *triage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// AppendAndSave applies u to a working copy and swaps it in only on success,
// so a rejected update leaves the stored session untouched.
func (s *Store) AppendAndSave(_ context.Context, id string, u triage.Update) (*triage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return nil, triage.ErrSessionNotFound
	}

	next := cur.Clone()
	if err := triage.ApplyUpdate(next, u, s.now()); err != nil {
		return nil, err
	}
	s.sessions[id] = next
	return next.Clone(), nil
}

// List returns every session's listing view ordered by creation time, then id.
func (s *Store) List(_ context.Context) ([]triage.SessionSummary, error) {
	s.mu.RLock()
	out := make([]triage.SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Summarize())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
