package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

// LLM provider selections.
const (
	ProviderAuto   = "auto"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

// Config adds helpdesk-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	LLMProvider  string
	ClaudeAPIKey string
	ClaudeModel  string
	GeminiAPIKey string
	GeminiModel  string
	LLMTimeout   int
	LLMMaxTokens int
	Persona      string

	DatabaseURL     string
	DBMaxConns      int
	SlowQueryMillis int

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	SessionTTLHours int

	KnowledgePath     string
	RetrievalTopK     int
	MinRetrievalScore float64

	EscalatedPolicy      string
	MaxMessageChars      int
	MaxConcurrentTriages int

	SlackWebhookURL string
	AdminToken      string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderAuto, "LLM backend: auto, claude, gemini or none (auto picks the first provider with an API key)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for accessing the Gemini LLM provider")
	fs.StringVar(&c.GeminiModel, "gemini-model", "gemini-2.5-flash", "Gemini model to use")
	fs.IntVar(&c.LLMTimeout, "llm-timeout-seconds", 20, "timeout for each validation, generation and summary call (1..300)")
	fs.IntVar(&c.LLMMaxTokens, "llm-max-tokens", triage.DefaultMaxTokens, "max output tokens per LLM call")
	fs.StringVar(&c.Persona, "persona", "", "system prompt for answer generation (empty = built-in support persona)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = redis or in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "PostgreSQL pool size (0 = pgx default or pool_max_conns from the URL)")
	fs.IntVar(&c.SlowQueryMillis, "db-slow-query-ms", 200, "log successful queries slower than this many milliseconds (0 = log all)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address host:port (used when no database URL is set)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "helpdesk", "Redis key prefix")
	fs.IntVar(&c.SessionTTLHours, "session-ttl-hours", 0, "expire idle sessions in Redis after this many hours (0 = never)")

	fs.StringVar(&c.KnowledgePath, "knowledge-path", "faqs.json", "knowledge base file (.json or .yaml)")
	fs.IntVar(&c.RetrievalTopK, "retrieval-top-k", 2, "number of knowledge entries considered per question (1..50)")
	fs.Float64Var(&c.MinRetrievalScore, "min-retrieval-score", 1, "minimum keyword overlap for a knowledge entry to be considered")

	fs.StringVar(&c.EscalatedPolicy, "escalated-policy", string(triage.PolicyRetriage), "handling of new messages on escalated sessions: retriage or acknowledge")
	fs.IntVar(&c.MaxMessageChars, "max-message-chars", triage.DefaultMaxMessageChars, "maximum customer message length in characters")
	fs.IntVar(&c.MaxConcurrentTriages, "max-concurrent-triages", triage.DefaultMaxConcurrent, "maximum triage pipelines running at once")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notifications")
	fs.StringVar(&c.AdminToken, "admin-token", "", "comma separated bearer tokens for the session listing (empty = unauthenticated)")
}

// Provider resolves LLMProvider, turning auto into the first provider that
// has an API key, or none.
func (c *Config) Provider() string {
	p := strings.ToLower(strings.TrimSpace(c.LLMProvider))
	if p != "" && p != ProviderAuto {
		return p
	}
	switch {
	case c.ClaudeAPIKey != "":
		return ProviderClaude
	case c.GeminiAPIKey != "":
		return ProviderGemini
	default:
		return ProviderNone
	}
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// LLM provider and its credentials
	switch c.Provider() {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude provider"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude provider"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
		if c.GeminiModel == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required for the gemini provider"))
		}
	case ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be auto, claude, gemini or none)", c.LLMProvider))
	}
	if c.LLMTimeout <= 0 || c.LLMTimeout > 300 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS %d (must be 1..300)", c.LLMTimeout))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_TOKENS %d (must be positive)", c.LLMMaxTokens))
	}

	// Session store: postgres, redis or memory, never two at once
	if c.DatabaseURL != "" && c.RedisAddr != "" {
		errs = append(errs, errors.New("DATABASE_URL and REDIS_ADDR are mutually exclusive"))
	}
	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}
	if c.SessionTTLHours < 0 {
		errs = append(errs, fmt.Errorf("invalid SESSION_TTL_HOURS %d (must be >= 0)", c.SessionTTLHours))
	}

	// Knowledge base and retrieval
	if c.KnowledgePath == "" {
		errs = append(errs, errors.New("KNOWLEDGE_PATH is required"))
	}
	if c.RetrievalTopK <= 0 || c.RetrievalTopK > 50 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_TOP_K %d (must be 1..50)", c.RetrievalTopK))
	}
	if c.MinRetrievalScore <= 0 {
		errs = append(errs, fmt.Errorf("invalid MIN_RETRIEVAL_SCORE %g (must be positive)", c.MinRetrievalScore))
	}

	// Conversation limits
	if _, err := triage.ParseEscalatedPolicy(c.EscalatedPolicy); err != nil {
		errs = append(errs, fmt.Errorf("invalid ESCALATED_POLICY: %w", err))
	}
	if c.MaxMessageChars <= 0 || c.MaxMessageChars > 100000 {
		errs = append(errs, fmt.Errorf("invalid MAX_MESSAGE_CHARS %d (must be 1..100000)", c.MaxMessageChars))
	}
	if c.MaxConcurrentTriages <= 0 || c.MaxConcurrentTriages > 10000 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT_TRIAGES %d (must be 1..10000)", c.MaxConcurrentTriages))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
