package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/linnemanlabs/go-core/log"

	hc "github.com/linnemanlabs/helpdesk/internal/cfg"
	"github.com/linnemanlabs/helpdesk/internal/knowledge"
	"github.com/linnemanlabs/helpdesk/internal/llm/claude"
	"github.com/linnemanlabs/helpdesk/internal/llm/gemini"
	"github.com/linnemanlabs/helpdesk/internal/postgres"
	"github.com/linnemanlabs/helpdesk/internal/triage"
	"github.com/linnemanlabs/helpdesk/internal/triage/memstore"
	"github.com/linnemanlabs/helpdesk/internal/triage/pgstore"
	"github.com/linnemanlabs/helpdesk/internal/triage/redisstore"
)

// openStore picks the session store: postgres when a database URL is set,
// redis when an address is set, memory otherwise. The returned close func
// releases whatever connection the store holds.
func openStore(ctx context.Context, c *hc.Config, L log.Logger) (triage.Store, func(), error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolConfig{
			MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded to 0..1000 by Validate
			SlowQuery: time.Duration(c.SlowQueryMillis) * time.Millisecond,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return s, pool.Close, nil

	case c.RedisAddr != "":
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		s, err := redisstore.New(ctx, client, redisstore.Options{
			Prefix: c.RedisPrefix,
			TTL:    time.Duration(c.SessionTTLHours) * time.Hour,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redisstore init: %w", err)
		}
		L.Info(ctx, "using redis store", "addr", c.RedisAddr, "prefix", c.RedisPrefix, "ttl_hours", c.SessionTTLHours)
		return s, func() { _ = client.Close() }, nil

	default:
		L.Info(ctx, "using in-memory store (no database-url or redis-addr configured)")
		return memstore.New(), func() {}, nil
	}
}

// newReasoner builds the LLM-backed reasoner for the configured provider, or
// the offline reasoner when none is configured.
func newReasoner(ctx context.Context, c *hc.Config, tc triage.Config, L log.Logger) (triage.Reasoner, error) {
	var (
		provider triage.Provider
		model    string
	)
	switch name := c.Provider(); name {
	case hc.ProviderClaude:
		provider, model = claude.New(c.ClaudeAPIKey, c.ClaudeModel), c.ClaudeModel
	case hc.ProviderGemini:
		g, err := gemini.New(ctx, c.GeminiAPIKey, gemini.Options{Model: c.GeminiModel})
		if err != nil {
			return nil, err
		}
		provider, model = g, c.GeminiModel
	case hc.ProviderNone:
		L.Warn(ctx, "no LLM provider configured, every non-shortcut message will be escalated")
		return triage.OfflineReasoner{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}

	r, err := triage.NewLLMReasoner(provider, tc)
	if err != nil {
		return nil, fmt.Errorf("reasoner init: %w", err)
	}
	L.Info(ctx, "initialized LLM provider", "provider", c.Provider(), "model", model)
	return r, nil
}

// loadKnowledge reads the knowledge base and builds the retrieval index.
func loadKnowledge(ctx context.Context, c *hc.Config, L log.Logger) (*knowledge.Index, error) {
	entries, err := knowledge.Load(c.KnowledgePath)
	if err != nil {
		return nil, err
	}
	idx := knowledge.NewIndex(entries, knowledge.Options{
		TopK:     c.RetrievalTopK,
		MinScore: c.MinRetrievalScore,
	})
	L.Info(ctx, "loaded knowledge base",
		"path", c.KnowledgePath,
		"entries", idx.Len(),
		"top_k", c.RetrievalTopK,
		"min_score", c.MinRetrievalScore,
	)
	return idx, nil
}

// triageConfig maps the flat app config onto the engine's config.
func triageConfig(c *hc.Config) (triage.Config, error) {
	policy, err := triage.ParseEscalatedPolicy(c.EscalatedPolicy)
	if err != nil {
		return triage.Config{}, err
	}
	tc := triage.DefaultConfig()
	tc.CallTimeout = time.Duration(c.LLMTimeout) * time.Second
	tc.MaxTokens = c.LLMMaxTokens
	tc.EscalatedPolicy = policy
	if c.Persona != "" {
		tc.Prompts.Persona = c.Persona
	}
	return tc, nil
}
