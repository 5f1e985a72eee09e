package chatapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

type sessionView struct {
	SessionID    string           `json:"session_id"`
	Status       triage.Status    `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Summary      string           `json:"summary,omitempty"`
	MessageCount int              `json:"message_count"`
	History      []triage.Message `json:"history"`
}

func newSessionView(s *triage.Session) sessionView {
	history := s.Messages
	if history == nil {
		history = []triage.Message{}
	}
	return sessionView{
		SessionID:    s.ID,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Summary:      s.Summary,
		MessageCount: len(s.Messages),
		History:      history,
	}
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("helpdesk.session.id", id))

	sess, err := a.svc.GetSession(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get session", "session_id", id)
		return
	}

	span.SetAttributes(attribute.String("helpdesk.session.status", string(sess.Status)))
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListSessions(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, "failed to list sessions")
		return
	}
	if list == nil {
		list = []triage.SessionSummary{}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("helpdesk.sessions", len(list)))
	writeJSON(w, http.StatusOK, list)
}
