// Package api exposes the workflow engine over HTTP. It is the human review
// channel: operators start runs, inspect suspended sessions, and post the
// feedback that resumes them. Tenancy is carried in the X-Tenant-ID header;
// a session is only visible to the tenant that started it.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/workflow"
)

const tenantHeader = "X-Tenant-ID"

// Server wires the workflow engine to the HTTP review channel.
type Server struct {
	engine *workflow.Engine
}

// NewServer creates a review-channel server around an engine.
func NewServer(engine *workflow.Engine) *Server {
	return &Server{engine: engine}
}

// Router builds the chi router with all session routes mounted.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.startSession)
		r.Get("/{session_id}", s.getSession)
		r.Get("/{session_id}/review", s.getReview)
		r.Post("/{session_id}/resume", s.resumeSession)
		r.Post("/{session_id}/cancel", s.cancelSession)
	})

	return r
}

// sessionView is the wire representation of a session. The state snapshot is
// internal; review data is exposed through the review endpoint instead.
type sessionView struct {
	ID        string                `json:"id"`
	TenantID  string                `json:"tenantId"`
	Kind      model.WorkflowKind    `json:"kind"`
	Status    model.SessionStatus   `json:"status"`
	Step      int                   `json:"step"`
	Awaiting  *model.AwaitingMarker `json:"awaiting,omitempty"`
	LastError string                `json:"lastError,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

func viewOf(sess *model.WorkflowSession) sessionView {
	return sessionView{
		ID:        sess.ID,
		TenantID:  sess.TenantID,
		Kind:      sess.Kind,
		Status:    sess.Status,
		Step:      sess.Step,
		Awaiting:  sess.Awaiting,
		LastError: sess.LastError,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}

type startRequest struct {
	Kind  model.WorkflowKind `json:"kind"`
	Input json.RawMessage    `json:"input"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		writeError(w, common.NewValidationError(tenantHeader, "header is required"))
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.NewValidationError("body", "invalid JSON: "+err.Error()))
		return
	}

	sess, err := s.engine.Start(r.Context(), req.Kind, tenantID, req.Input)
	if err != nil && sess == nil {
		writeError(w, err)
		return
	}
	// A run that errored mid-flight still created the session; report it with
	// its errored status rather than hiding the session id.
	if err != nil {
		slog.Warn("session errored during start", "session_id", sess.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadScoped(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadScoped(w, r)
	if !ok {
		return
	}
	if sess.Status != model.StatusAwaitingHuman {
		writeError(w, common.NewStateError("session %s is %s, not awaiting review", sess.ID, sess.Status))
		return
	}

	payload, err := reviewPayload(sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadScoped(w, r)
	if !ok {
		return
	}

	feedback, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, common.NewValidationError("body", err.Error()))
		return
	}
	if !json.Valid(feedback) {
		writeError(w, common.NewValidationError("body", "feedback must be a JSON object"))
		return
	}

	updated, err := s.engine.Resume(r.Context(), sess.ID, feedback)
	if err != nil && updated == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		var stateErr *common.StateError
		if errors.As(err, &stateErr) {
			writeError(w, err)
			return
		}
		slog.Warn("session errored during resume", "session_id", sess.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, viewOf(updated))
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadScoped(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), sess.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadScoped fetches the session named in the URL and enforces tenant
// isolation: a session owned by another tenant is indistinguishable from a
// missing one.
func (s *Server) loadScoped(w http.ResponseWriter, r *http.Request) (*model.WorkflowSession, bool) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		writeError(w, common.NewValidationError(tenantHeader, "header is required"))
		return nil, false
	}

	id := chi.URLParam(r, "session_id")
	sess, err := s.engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if sess.TenantID != tenantID {
		writeError(w, common.ErrNotFound)
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses: validation 400,
// unknown entities 404, state conflicts 409, collaborator failures 502.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var (
		validationErr *common.ValidationError
		stateErr      *common.StateError
		svcErr        *common.ExternalServiceError
	)
	switch {
	case errors.As(err, &validationErr), errors.Is(err, common.ErrUnknownWorkflow):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &stateErr):
		status = http.StatusConflict
	case errors.As(err, &svcErr):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
