// Package triage provides the business boundary for helpdesk's message triage.
// It defines the Service (session locking, persistence, retries), Engine (the
// pure shortcut/retrieve/validate/generate/escalate pipeline), the Store
// interface (persistence), the Reasoner capability and the domain models.
package triage
