// Package redisstore provides a Redis implementation of triage.Store for
// deployments that run several replicas against shared session state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/helpdesk/internal/triage/redisstore")

const DefaultPrefix = "helpdesk"

// Options configures key naming and expiry.
type Options struct {
	// Prefix namespaces every key (default "helpdesk").
	Prefix string

	// TTL expires idle sessions. Zero keeps them forever.
	TTL time.Duration
}

// Store keeps each session as one JSON document plus a sorted-set index
// ordered by creation time. AppendAndSave uses WATCH/MULTI on the session key,
// so concurrent writers on different replicas cannot interleave.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// record is the stored document. Version is kept outside the session JSON
// because it is not part of the public view.
type record struct {
	Session *triage.Session `json:"session"`
	Version int64           `json:"version"`
}

// New pings the server and returns a ready Store.
func New(ctx context.Context, client *redis.Client, opts Options) (*Store, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + ":session:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + ":sessions"
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a session by its ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Session, bool, error) {
	ctx, span := startSpan(ctx, "redisstore.Get", "GET")
	defer span.End()

	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get session: %w", err))
	}

	sess, err := decode(data)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return sess, true, nil
}

// Create stores a new session. Existing ids are rejected.
func (s *Store) Create(ctx context.Context, sess *triage.Session) error {
	ctx, span := startSpan(ctx, "redisstore.Create", "SETNX")
	defer span.End()

	data, err := encode(sess)
	if err != nil {
		return fail(span, err)
	}

	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.sessionKey(sess.ID), data, s.ttl)
		pipe.ZAddNX(ctx, s.indexKey(), &redis.Z{
			Score:  float64(sess.CreatedAt.UnixMicro()),
			Member: sess.ID,
		})
		return nil
	})
	if err != nil {
		return fail(span, fmt.Errorf("create session: %w", err))
	}
	if !created.Val() {
		return fail(span, fmt.Errorf("session %s already exists", sess.ID))
	}
	return nil
}

// AppendAndSave applies u under WATCH. A concurrent write to the same key
// aborts the transaction and is reported as triage.ErrConflict.
func (s *Store) AppendAndSave(ctx context.Context, id string, u triage.Update) (*triage.Session, error) {
	ctx, span := startSpan(ctx, "redisstore.AppendAndSave", "WATCH")
	defer span.End()

	key := s.sessionKey(id)
	var saved *triage.Session

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return triage.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		sess, err := decode(data)
		if err != nil {
			return err
		}
		if err := triage.ApplyUpdate(sess, u, s.now()); err != nil {
			return err
		}

		next, err := encode(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		saved = sess
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		err = fmt.Errorf("%w: session %s written by another client", triage.ErrConflict, id)
	}
	if err != nil {
		return nil, fail(span, err)
	}
	return saved, nil
}

// List returns every session's listing view ordered by creation time, then
// id. Index entries whose session has expired are skipped and removed from
// the index.
func (s *Store) List(ctx context.Context) ([]triage.SessionSummary, error) {
	ctx, span := startSpan(ctx, "redisstore.List", "ZRANGE")
	defer span.End()

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fail(span, fmt.Errorf("read index: %w", err))
	}
	if len(ids) == 0 {
		return []triage.SessionSummary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fail(span, fmt.Errorf("read sessions: %w", err))
	}

	out := make([]triage.SessionSummary, 0, len(vals))
	var expired []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		sess, err := decode([]byte(str))
		if err != nil {
			return nil, fail(span, fmt.Errorf("session %s: %w", ids[i], err))
		}
		out = append(out, sess.Summarize())
	}

	if len(expired) > 0 {
		// the listing is complete either way; a failed prune is retried on
		// the next List
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			span.RecordError(fmt.Errorf("prune index: %w", err))
		}
	}
	span.SetAttributes(
		attribute.Int("helpdesk.sessions", len(out)),
		attribute.Int("helpdesk.sessions.expired", len(expired)),
	)
	return out, nil
}

func encode(sess *triage.Session) ([]byte, error) {
	data, err := json.Marshal(record{Session: sess, Version: sess.Version})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*triage.Session, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if rec.Session == nil {
		return nil, errors.New("unmarshal session: empty document")
	}
	rec.Session.Version = rec.Version
	return rec.Session, nil
}
