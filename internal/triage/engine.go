// internal/triage/engine.go
package triage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/helpdesk/internal/knowledge"
)

// generateAttempts is the initial answer generation call plus one retry.
const generateAttempts = 2

// Retriever finds knowledge entries relevant to a query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]knowledge.Candidate, error)
}

// EngineHooks receives pipeline events. Nil funcs are skipped.
type EngineHooks struct {
	// OnStage fires after every external call with its duration and error.
	OnStage func(stage Stage, seconds float64, err error)

	// OnOutcome fires once per Run.
	OnOutcome func(kind OutcomeKind, reason EscalationReason, seconds float64)
}

// Engine runs the fixed triage sequence for one inbound message: shortcut,
// retrieve, validate, generate and finally escalate. It never touches the
// store; the caller persists the returned Outcome.
type Engine struct {
	classifier *ShortcutClassifier
	retriever  Retriever
	reasoner   Reasoner
	cfg        Config
	logger     log.Logger
	hooks      EngineHooks
}

// NewEngine creates a new triage engine with the given dependencies.
func NewEngine(classifier *ShortcutClassifier, retriever Retriever, reasoner Reasoner, cfg Config, logger log.Logger, hooks EngineHooks) *Engine {
	if retriever == nil {
		panic(xerrors.New("triage.NewEngine: retriever is nil"))
	}
	if reasoner == nil {
		panic(xerrors.New("triage.NewEngine: reasoner is nil"))
	}
	if classifier == nil {
		classifier = NewShortcutClassifier(nil)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		classifier: classifier,
		retriever:  retriever,
		reasoner:   reasoner,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		hooks:      hooks,
	}
}

// Run triages question against the current state of sess. sess is read only.
// Every stage failure is converted into an escalation, so Run always returns
// a usable Outcome.
func (e *Engine) Run(ctx context.Context, sess *Session, question string) Outcome {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "triage.run", trace.WithAttributes(
		attribute.String("helpdesk.session.id", sess.ID),
		attribute.String("helpdesk.session.status", string(sess.Status)),
		attribute.Int("helpdesk.session.messages", len(sess.Messages)),
	))
	defer span.End()

	L := e.logger.With("session_id", sess.ID)

	out := e.run(ctx, L, sess, question)
	dur := time.Since(start).Seconds()

	span.SetAttributes(
		attribute.String("helpdesk.outcome.kind", string(out.Kind)),
		attribute.String("helpdesk.outcome.reason", string(out.Reason)),
	)
	if e.hooks.OnOutcome != nil {
		e.hooks.OnOutcome(out.Kind, out.Reason, dur)
	}

	L.Info(ctx, "triage complete",
		"outcome", out.Kind,
		"reason", out.Reason,
		"entry_id", out.EntryID,
		"duration", dur,
	)
	return out
}

func (e *Engine) run(ctx context.Context, L log.Logger, sess *Session, question string) Outcome {
	if sess.Escalated() && e.cfg.EscalatedPolicy == PolicyAcknowledge {
		return Outcome{
			Kind:    OutcomeEscalated,
			Reply:   acknowledgeReply,
			Summary: sess.Summary,
			Reason:  ReasonAlreadyEscalated,
		}
	}

	if reply, ok := e.classifier.Match(question); ok {
		return Outcome{Kind: OutcomeShortcut, Reply: reply}
	}

	candidates, err := runStage(ctx, e, StageRetrieve, func(ctx context.Context) ([]knowledge.Candidate, error) {
		return e.retriever.Retrieve(ctx, question)
	})
	if err != nil {
		return e.escalate(ctx, L, sess, question, ReasonRetrievalFailed, err)
	}
	if len(candidates) == 0 {
		return e.escalate(ctx, L, sess, question, ReasonNoMatch, nil)
	}

	// only the best candidate is ever validated or used as context
	top := candidates[0].Entry
	relevant, err := runStage(ctx, e, StageValidate, func(ctx context.Context) (bool, error) {
		return e.reasoner.ValidateRelevance(ctx, question, top.Answer)
	})
	if err != nil {
		return e.escalate(ctx, L, sess, question, ReasonValidationFailed, err)
	}
	if !relevant {
		L.Info(ctx, "knowledge entry rejected as not relevant", "entry_id", top.ID)
		return e.escalate(ctx, L, sess, question, ReasonNotRelevant, nil)
	}

	req := AnswerRequest{
		Persona:  e.cfg.Prompts.Persona,
		History:  slices.Clone(sess.Messages),
		Context:  top.Answer,
		Question: question,
	}
	for attempt := 1; attempt <= generateAttempts; attempt++ {
		var reply string
		reply, err = runStage(ctx, e, StageGenerate, func(ctx context.Context) (string, error) {
			text, err := e.reasoner.GenerateAnswer(ctx, req)
			if err == nil && strings.TrimSpace(text) == "" {
				err = errEmptyCompletion
			}
			return text, err
		})
		if err == nil {
			return Outcome{
				Kind:    OutcomeKnowledgeAnswer,
				Reply:   strings.TrimSpace(reply),
				EntryID: top.ID,
			}
		}
		L.Warn(ctx, "answer generation failed", "attempt", attempt, "entry_id", top.ID, "err", err)
	}

	return e.escalate(ctx, L, sess, question, ReasonGenerationFailed, err)
}

// escalate builds the hand-off outcome. The first summary a session gets is
// kept; later escalations reuse it without calling the summarizer.
func (e *Engine) escalate(ctx context.Context, L log.Logger, sess *Session, question string, reason EscalationReason, cause error) Outcome {
	if cause != nil {
		L.Warn(ctx, "escalating after stage failure", "reason", reason, "err", cause)
	}

	offline := errors.Is(cause, ErrReasonerOffline)
	out := Outcome{Kind: OutcomeEscalated, Reason: reason}

	if sess.Escalated() && sess.Summary != "" {
		out.Summary = sess.Summary
	} else {
		history := append(slices.Clone(sess.Messages), Message{Role: RoleUser, Content: question})
		summary, err := runStage(ctx, e, StageSummarize, func(ctx context.Context) (string, error) {
			return e.reasoner.Summarize(ctx, history)
		})
		summary = FirstSentence(summary)
		if err != nil || summary == "" {
			if err != nil {
				L.Warn(ctx, "summarizer failed, using fallback summary", "err", err)
			}
			offline = offline || errors.Is(err, ErrReasonerOffline)
			summary = fallbackSummary(reason, question, offline)
		}
		out.Summary = summary
	}

	if offline {
		out.Reply = offlineReply
	} else {
		out.Reply = escalationReply(out.Summary)
	}
	return out
}

type stageResult[T any] struct {
	val T
	err error
}

// runStage runs one external call under the configured timeout. The call
// runs in its own goroutine so an implementation that ignores ctx still
// cannot hold the pipeline past the deadline. Failures come back as
// *StageError.
func runStage[T any](ctx context.Context, e *Engine, stage Stage, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "triage.stage", trace.WithAttributes(
		attribute.String("helpdesk.stage", string(stage)),
	))
	defer span.End()

	start := time.Now()
	ch := make(chan stageResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- stageResult[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- stageResult[T]{val: v, err: err}
	}()

	var res stageResult[T]
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	dur := time.Since(start).Seconds()
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		res.err = &StageError{Stage: stage, Err: res.err}
		var zero T
		res.val = zero
	}
	if e.hooks.OnStage != nil {
		e.hooks.OnStage(stage, dur, res.err)
	}
	return res.val, res.err
}
