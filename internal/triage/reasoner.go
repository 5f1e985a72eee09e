package triage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/helpdesk/internal/triage")

// errMalformedVerdict is returned when the validator reply is neither YES nor NO.
var errMalformedVerdict = errors.New("malformed relevance verdict")

// errEmptyCompletion is returned when the provider produced no text.
var errEmptyCompletion = errors.New("empty completion")

// Reasoner is the external reasoning capability the engine depends on. Each
// call is bounded by the context deadline set by the engine.
type Reasoner interface {
	// ValidateRelevance reports whether answer directly solves question.
	ValidateRelevance(ctx context.Context, question, answer string) (bool, error)

	// GenerateAnswer produces the reply for an accepted knowledge entry.
	GenerateAnswer(ctx context.Context, req AnswerRequest) (string, error)

	// Summarize condenses history into one sentence for a human agent.
	Summarize(ctx context.Context, history []Message) (string, error)
}

// AnswerRequest is the input to GenerateAnswer.
type AnswerRequest struct {
	Persona  string
	History  []Message
	Context  string
	Question string
}

type validationData struct {
	Question string
	Context  string
}

type answerData struct {
	Context  string
	Question string
}

type summaryData struct {
	History string
}

// LLMReasoner implements Reasoner on top of a Provider using prompt templates.
type LLMReasoner struct {
	provider   Provider
	maxTokens  int
	validation *template.Template
	answer     *template.Template
	summary    *template.Template
}

// NewLLMReasoner parses the prompt templates in cfg and returns a reasoner
// backed by provider.
func NewLLMReasoner(provider Provider, cfg Config) (*LLMReasoner, error) {
	if provider == nil {
		panic(xerrors.New("triage.NewLLMReasoner: provider is nil"))
	}
	cfg = cfg.withDefaults()

	validation, err := template.New("validation").Parse(cfg.Prompts.Validation)
	if err != nil {
		return nil, fmt.Errorf("parse validation prompt: %w", err)
	}
	answer, err := template.New("answer").Parse(cfg.Prompts.Answer)
	if err != nil {
		return nil, fmt.Errorf("parse answer prompt: %w", err)
	}
	summary, err := template.New("summary").Parse(cfg.Prompts.Summary)
	if err != nil {
		return nil, fmt.Errorf("parse summary prompt: %w", err)
	}

	return &LLMReasoner{
		provider:   provider,
		maxTokens:  cfg.MaxTokens,
		validation: validation,
		answer:     answer,
		summary:    summary,
	}, nil
}

// ValidateRelevance asks for a YES/NO verdict. Anything else is an error.
func (r *LLMReasoner) ValidateRelevance(ctx context.Context, question, answer string) (bool, error) {
	prompt, err := render(r.validation, validationData{Question: question, Context: answer})
	if err != nil {
		return false, err
	}

	text, err := r.call(ctx, "validate", &LLMRequest{
		MaxTokens: r.maxTokens,
		Messages:  []LLMMessage{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return false, err
	}
	return parseVerdict(text)
}

// GenerateAnswer sends the persona as the system prompt, the prior history as
// conversation turns and the rendered answer prompt as the final user turn.
func (r *LLMReasoner) GenerateAnswer(ctx context.Context, req AnswerRequest) (string, error) {
	prompt, err := render(r.answer, answerData{Context: req.Context, Question: req.Question})
	if err != nil {
		return "", err
	}

	msgs := make([]LLMMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, LLMMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, LLMMessage{Role: RoleUser, Content: prompt})

	return r.call(ctx, "generate", &LLMRequest{
		MaxTokens: r.maxTokens,
		System:    req.Persona,
		Messages:  msgs,
	})
}

// Summarize returns the first sentence of the model's summary.
func (r *LLMReasoner) Summarize(ctx context.Context, history []Message) (string, error) {
	prompt, err := render(r.summary, summaryData{History: FormatHistory(history)})
	if err != nil {
		return "", err
	}

	text, err := r.call(ctx, "summarize", &LLMRequest{
		MaxTokens: r.maxTokens,
		Messages:  []LLMMessage{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return FirstSentence(text), nil
}

func (r *LLMReasoner) call(ctx context.Context, op string, req *LLMRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", op),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
		attribute.Int("helpdesk.llm.messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := r.provider.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
		attribute.Float64("helpdesk.llm.duration_seconds", time.Since(start).Seconds()),
	)

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		span.SetStatus(codes.Error, errEmptyCompletion.Error())
		return "", errEmptyCompletion
	}
	return text, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// parseVerdict accepts replies that begin with YES or NO, ignoring case and
// leading quotes or whitespace.
func parseVerdict(text string) (bool, error) {
	v := strings.ToUpper(strings.TrimLeft(text, " \t\r\n\"'`*"))
	switch {
	case strings.HasPrefix(v, "YES"):
		return true, nil
	case strings.HasPrefix(v, "NO"):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", errMalformedVerdict, truncate(text, 64))
	}
}

// FormatHistory renders history as "User: ..." / "Assistant: ..." lines.
func FormatHistory(history []Message) string {
	if len(history) == 0 {
		return "No conversation history yet."
	}
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch m.Role {
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// FirstSentence trims s to its first sentence. Text without a terminator is
// returned whole, collapsed onto one line.
func FirstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for i, r := range s {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + 1
		if next == len(s) || s[next] == ' ' {
			return s[:next]
		}
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// OfflineReasoner is used when no LLM provider is configured. Every call
// fails, so every non-shortcut turn escalates.
type OfflineReasoner struct{}

func (OfflineReasoner) ValidateRelevance(context.Context, string, string) (bool, error) {
	return false, ErrReasonerOffline
}

func (OfflineReasoner) GenerateAnswer(context.Context, AnswerRequest) (string, error) {
	return "", ErrReasonerOffline
}

func (OfflineReasoner) Summarize(context.Context, []Message) (string, error) {
	return "", ErrReasonerOffline
}
