package triage

import "fmt"

// OutcomeKind tags which branch of the pipeline produced a reply.
type OutcomeKind string

const (
	OutcomeShortcut        OutcomeKind = "shortcut"
	OutcomeKnowledgeAnswer OutcomeKind = "knowledge_answer"
	OutcomeEscalated       OutcomeKind = "escalated"
)

// EscalationReason records why a turn was handed to a human.
type EscalationReason string

const (
	ReasonNone             EscalationReason = ""
	ReasonNoMatch          EscalationReason = "no_match"
	ReasonRetrievalFailed  EscalationReason = "retrieval_failed"
	ReasonNotRelevant      EscalationReason = "not_relevant"
	ReasonValidationFailed EscalationReason = "validation_failed"
	ReasonGenerationFailed EscalationReason = "generation_failed"
	ReasonAlreadyEscalated EscalationReason = "already_escalated"
)

// Outcome is the single result of triaging one inbound message. It is the
// only value the service writes into session state.
type Outcome struct {
	Kind    OutcomeKind
	Reply   string
	Summary string
	Reason  EscalationReason

	// EntryID is the knowledge entry used for a knowledge answer.
	EntryID string
}

// Escalated reports whether the outcome hands the session to a human.
func (o Outcome) Escalated() bool {
	return o.Kind == OutcomeEscalated
}

const (
	offlineReply = "Our AI service is currently unavailable. A human agent will be with you shortly."

	offlineSummary = "AI service is offline."

	acknowledgeReply = "Your conversation has already been passed to a human agent, " +
		"who will follow up with you shortly."
)

func escalationReply(summary string) string {
	return "I couldn't find an answer to your question in my knowledge base. " +
		"I am escalating this conversation to a human agent who can better assist you. " +
		fmt.Sprintf("Here is a summary of your issue for the agent: '%s'", summary)
}

// fallbackSummary is used when the summarizer cannot produce one.
func fallbackSummary(reason EscalationReason, question string, offline bool) string {
	switch {
	case offline:
		return offlineSummary
	case reason == ReasonGenerationFailed:
		return fmt.Sprintf("The assistant was unable to answer the customer's question: %q.", truncate(question, 120))
	default:
		return "Could not generate a summary due to an error."
	}
}
