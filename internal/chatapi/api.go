// Package chatapi exposes the helpdesk conversation service over HTTP.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/helpdesk/internal/authmw"
	"github.com/linnemanlabs/helpdesk/internal/triage"
)

// ChatService defines the business operations chatapi needs.
type ChatService interface {
	SendMessage(ctx context.Context, req triage.SendRequest) (*triage.SendResult, error)
	GetSession(ctx context.Context, id string) (*triage.Session, error)
	ListSessions(ctx context.Context) ([]triage.SessionSummary, error)
}

// Options configures the API.
type Options struct {
	// AdminToken, when set, is required as a bearer token on the session
	// listing. It may hold several comma-separated tokens.
	AdminToken string

	// MaxMessageChars is the service's message limit in runes. Chat request
	// bodies are capped from it.
	MaxMessageChars int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          ChatService
	adminToken   string
	maxBodyBytes int64
}

// bodyOverhead covers the session id and JSON framing around the message.
const bodyOverhead = 1024

// New creates a new API handler.
func New(logger log.Logger, svc ChatService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("chat service is required"))
	}
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = triage.DefaultMaxMessageChars
	}
	return &API{
		logger:       logger,
		svc:          svc,
		adminToken:   opts.AdminToken,
		maxBodyBytes: int64(opts.MaxMessageChars)*utf8.UTFMax + bodyOverhead,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", a.handleChat)
		r.Get("/sessions/{id}", a.handleGetSession)
		r.Group(func(r chi.Router) {
			if a.adminToken != "" {
				r.Use(authmw.BearerToken(a.adminToken))
			}
			r.Get("/sessions", a.handleListSessions)
		})
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps service errors onto HTTP statuses. Only unexpected
// failures are logged.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, triage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, triage.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, triage.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "the conversation was updated concurrently, please try again")
	case errors.Is(err, context.Canceled):
		// client went away before a pipeline slot freed up
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
