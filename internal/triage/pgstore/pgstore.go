// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/helpdesk/internal/triage/pgstore")

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

// Store persists sessions in PostgreSQL. Per-session atomicity comes from a
// row lock on support_sessions held for the whole AppendAndSave transaction.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get loads a session and its messages from one consistent snapshot.
func (s *Store) Get(ctx context.Context, id string) (*triage.Session, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only tx, rollback is the normal exit

	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT id, status, summary, version, created_at, updated_at
		 FROM support_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if sess == nil {
		return nil, false, nil
	}

	if err := loadMessages(ctx, tx, sess); err != nil {
		return nil, false, fail(span, err)
	}
	span.SetAttributes(attribute.Int("helpdesk.session.messages", len(sess.Messages)))
	return sess, true, nil
}

// Create inserts a new, empty session.
func (s *Store) Create(ctx context.Context, sess *triage.Session) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO support_sessions (id, status, summary, version, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		sess.ID, string(sess.Status), sess.Summary, sess.Version, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fail(span, fmt.Errorf("session %s already exists", sess.ID))
		}
		return fail(span, fmt.Errorf("insert session: %w", err))
	}
	return nil
}

// AppendAndSave locks the session row, checks the version and writes the
// messages plus status/summary change in one transaction. Status only moves
// to escalated and a stored summary is never replaced.
func (s *Store) AppendAndSave(ctx context.Context, id string, u triage.Update) (*triage.Session, error) {
	ctx, span := startSpan(ctx, "pgstore.AppendAndSave", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.Int("helpdesk.update.messages", len(u.Messages)))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var version int64
	var count int
	err = tx.QueryRow(ctx,
		`SELECT version, message_count FROM support_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&version, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fail(span, triage.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("lock session: %w", err))
	}
	if version != u.ExpectVersion {
		return nil, fail(span, fmt.Errorf("%w: session %s at version %d, update expects %d",
			triage.ErrConflict, id, version, u.ExpectVersion))
	}

	if len(u.Messages) > 0 {
		batch := &pgx.Batch{}
		for i, m := range u.Messages {
			batch.Queue(
				`INSERT INTO support_messages (session_id, seq, role, content, created_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				id, count+i, string(m.Role), m.Content, m.Timestamp,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fail(span, fmt.Errorf("insert messages: %w", err))
		}
	}

	sess, err := scanSession(tx.QueryRow(ctx,
		`UPDATE support_sessions SET
			status        = CASE WHEN $2 = 'escalated' THEN 'escalated' ELSE status END,
			summary       = CASE WHEN summary = '' THEN $3 ELSE summary END,
			version       = version + 1,
			message_count = message_count + $4,
			updated_at    = $5
		 WHERE id = $1
		 RETURNING id, status, summary, version, created_at, updated_at`,
		id, string(u.Status), u.Summary, len(u.Messages), s.now(),
	))
	if err != nil {
		return nil, fail(span, fmt.Errorf("update session: %w", err))
	}

	if err := loadMessages(ctx, tx, sess); err != nil {
		return nil, fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return sess, nil
}

// List returns every session's listing view ordered by creation time, then id.
func (s *Store) List(ctx context.Context) ([]triage.SessionSummary, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, status, summary, message_count, created_at, updated_at
		 FROM support_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query sessions: %w", err))
	}
	defer rows.Close()

	var out []triage.SessionSummary
	for rows.Next() {
		var (
			sum    triage.SessionSummary
			status string
		)
		if err := rows.Scan(&sum.ID, &status, &sum.Summary, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan session: %w", err))
		}
		sum.Status = triage.Status(status)
		sum.Escalated = sum.Status == triage.StatusEscalated
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate sessions: %w", err))
	}
	span.SetAttributes(attribute.Int("helpdesk.sessions", len(out)))
	return out, nil
}

// scanSession scans a support_sessions row. Returns (nil, nil) when no row is found.
func scanSession(row pgx.Row) (*triage.Session, error) {
	var (
		sess   triage.Session
		status string
	)
	err := row.Scan(&sess.ID, &status, &sess.Summary, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	sess.Status = triage.Status(status)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func loadMessages(ctx context.Context, tx pgx.Tx, sess *triage.Session) error {
	rows, err := tx.Query(ctx,
		`SELECT role, content, created_at FROM support_messages
		 WHERE session_id = $1 ORDER BY seq`, sess.ID)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m    triage.Message
			role string
		)
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		m.Role = triage.Role(role)
		m.Timestamp = m.Timestamp.UTC()
		sess.Messages = append(sess.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	return nil
}
