package chatapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

type chatRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	UserMessage string `json:"user_message"`
}

type chatResponse struct {
	SessionID   string        `json:"session_id"`
	Response    string        `json:"response"`
	IsEscalated bool          `json:"is_escalated"`
	Status      triage.Status `json:"status"`
	Summary     *string       `json:"summary"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	if req.SessionID != "" {
		span.SetAttributes(attribute.String("helpdesk.session.id", req.SessionID))
	}

	res, err := a.svc.SendMessage(r.Context(), triage.SendRequest{
		SessionID: req.SessionID,
		Text:      req.UserMessage,
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to handle chat message", "session_id", req.SessionID)
		return
	}

	span.SetAttributes(
		attribute.String("helpdesk.session.id", res.SessionID),
		attribute.String("helpdesk.session.status", string(res.Status)),
		attribute.String("helpdesk.outcome.kind", string(res.Outcome.Kind)),
	)

	resp := chatResponse{
		SessionID:   res.SessionID,
		Response:    res.Reply,
		IsEscalated: res.Escalated,
		Status:      res.Status,
	}
	if res.Summary != "" {
		resp.Summary = &res.Summary
	}
	writeJSON(w, http.StatusOK, resp)
}
