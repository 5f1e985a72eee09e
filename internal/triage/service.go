package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// SendRequest is one inbound customer message. An empty SessionID starts a
// new session.
type SendRequest struct {
	SessionID string
	Text      string
}

// SendResult is what the caller shows the customer after a turn.
type SendResult struct {
	SessionID string
	Reply     string
	Status    Status

	// Escalated reports whether this turn's outcome was an escalation.
	Escalated bool

	// Summary is the session's hand-off summary, empty until the session
	// has been escalated.
	Summary string

	Outcome Outcome
}

// Notifier tells human agents about a session that was just handed off.
type Notifier interface {
	NotifyEscalation(ctx context.Context, sess *Session) error
}

// ServiceConfig holds the service's limits and optional collaborators.
type ServiceConfig struct {
	// MaxMessageChars caps inbound message length in runes.
	MaxMessageChars int

	// MaxConcurrent bounds pipelines running at once across all sessions.
	MaxConcurrent int64

	Metrics  *Metrics
	Notifier Notifier
}

// Service is the business boundary for conversations. It serializes turns
// per session, runs the engine and persists the outcome.
type Service struct {
	store    Store
	engine   *Engine
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier

	maxChars int
	locks    *sessionLocks
	sem      *semaphore.Weighted
	now      func() time.Time

	// pending tracks escalation notifications still in flight.
	pending sync.WaitGroup
}

// NewService creates a new triage service.
func NewService(store Store, engine *Engine, logger log.Logger, cfg ServiceConfig) *Service {
	if store == nil {
		panic(xerrors.New("triage.NewService: store is nil"))
	}
	if engine == nil {
		panic(xerrors.New("triage.NewService: engine is nil"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = DefaultMaxMessageChars
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		maxChars: cfg.MaxMessageChars,
		locks:    newSessionLocks(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SendMessage triages one inbound message and records both the message and
// the reply. Input is validated before any session is loaded. Waiting for the
// session lock or a pipeline slot honors ctx; once the pipeline starts the
// turn is persisted even if ctx is cancelled.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	text := strings.TrimSpace(req.Text)
	if err := s.validate(text); err != nil {
		s.metrics.send("invalid")
		return nil, err
	}

	id := req.SessionID
	isNew := id == ""
	if isNew {
		id = ulid.Make().String()
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		s.metrics.send("cancelled")
		return nil, fmt.Errorf("wait for session %s: %w", id, err)
	}
	defer unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.metrics.send("cancelled")
		return nil, fmt.Errorf("wait for triage slot: %w", err)
	}
	defer s.sem.Release(1)

	sess, err := s.loadOrCreate(ctx, id, isNew)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.metrics.send("not_found")
		} else {
			s.metrics.send("error")
		}
		return nil, err
	}

	// from here on the turn completes regardless of the caller
	ctx = context.WithoutCancel(ctx)
	L := s.logger.With("session_id", id)

	userMsg := Message{Role: RoleUser, Content: text, Timestamp: s.now()}
	tr, err := s.process(ctx, L, sess, userMsg)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.send("conflict")
		} else {
			s.metrics.send("error")
		}
		L.Error(ctx, err, "failed to persist turn")
		return nil, err
	}
	out, saved := tr.out, tr.saved
	s.metrics.send(string(out.Kind))

	if !tr.before.Escalated() && saved.Escalated() {
		s.dispatchNotify(ctx, L, saved.Clone())
	}

	return &SendResult{
		SessionID: saved.ID,
		Reply:     out.Reply,
		Status:    saved.Status,
		Escalated: out.Escalated(),
		Summary:   saved.Summary,
		Outcome:   out,
	}, nil
}

// Wait blocks until escalation notifications already dispatched have
// finished, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for escalation notifications: %w", ctx.Err())
	}
}

// GetSession returns the full session, or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions returns every session's listing view, oldest first.
func (s *Service) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

func (s *Service) validate(text string) error {
	if text == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(text); n > s.maxChars {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidInput, n, s.maxChars)
	}
	return nil
}

func (s *Service) loadOrCreate(ctx context.Context, id string, isNew bool) (*Session, error) {
	if !isNew {
		sess, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		if !ok {
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}

	now := s.now()
	sess := &Session{
		ID:        id,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return sess.Clone(), nil
}

// turn is the result of running and persisting one message.
type turn struct {
	out Outcome

	// before is the state the write was applied to.
	before *Session
	saved  *Session
}

// process runs the pipeline against sess and writes the turn. A conflict
// means another writer got in first; the pipeline runs once more against
// the reloaded session and that outcome is written on top of it.
func (s *Service) process(ctx context.Context, L log.Logger, sess *Session, userMsg Message) (turn, error) {
	out := s.run(ctx, sess, userMsg.Content)
	saved, err := s.write(ctx, sess, userMsg, out)
	if err == nil {
		return turn{out: out, before: sess, saved: saved}, nil
	}
	if !errors.Is(err, ErrConflict) {
		return turn{}, err
	}

	L.Warn(ctx, "session changed underneath turn, retrying", "expected_version", sess.Version, "outcome", out.Kind)
	fresh, ok, err := s.store.Get(ctx, sess.ID)
	if err != nil {
		return turn{}, fmt.Errorf("reload session %s: %w", sess.ID, err)
	}
	if !ok {
		return turn{}, ErrSessionNotFound
	}

	out = s.run(ctx, fresh, userMsg.Content)
	saved, err = s.write(ctx, fresh, userMsg, out)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.conflict("failed")
		}
		return turn{}, err
	}
	s.metrics.conflict("retried")
	return turn{out: out, before: fresh, saved: saved}, nil
}

func (s *Service) run(ctx context.Context, sess *Session, text string) Outcome {
	s.metrics.inFlight(1)
	defer s.metrics.inFlight(-1)
	return s.engine.Run(ctx, sess, text)
}

func (s *Service) write(ctx context.Context, sess *Session, userMsg Message, out Outcome) (*Session, error) {
	upd, err := s.updateFor(sess, userMsg, out)
	if err != nil {
		return nil, err
	}
	return s.store.AppendAndSave(ctx, sess.ID, upd)
}

func (s *Service) updateFor(sess *Session, userMsg Message, out Outcome) (Update, error) {
	upd := Update{
		ExpectVersion: sess.Version,
		Messages: []Message{
			userMsg,
			{Role: RoleAssistant, Content: out.Reply, Timestamp: s.now()},
		},
	}

	switch out.Kind {
	case OutcomeShortcut, OutcomeKnowledgeAnswer:
	case OutcomeEscalated:
		upd.Status = StatusEscalated
		upd.Summary = out.Summary
	default:
		return Update{}, fmt.Errorf("unknown outcome kind %q", out.Kind)
	}
	return upd, nil
}

// dispatchNotify runs the notifier in the background, outside the session
// lock. Wait blocks on it during shutdown.
func (s *Service) dispatchNotify(ctx context.Context, L log.Logger, sess *Session) {
	if s.notifier == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.notify(ctx, L, sess)
	}()
}

func (s *Service) notify(ctx context.Context, L log.Logger, sess *Session) {
	if err := s.notifier.NotifyEscalation(ctx, sess); err != nil {
		s.metrics.notification("error")
		L.Error(ctx, err, "failed to notify agents of escalation")
		return
	}
	s.metrics.notification("sent")
}
