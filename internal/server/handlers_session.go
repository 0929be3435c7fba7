package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// CreateSessionRequest is the body for POST /session.
type CreateSessionRequest struct {
	Directory string `json:"directory"`
	Model     string `json:"model,omitempty"`
	Preset    string `json:"preset,omitempty"`
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Directory == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "directory is required")
		return
	}

	sess := s.sessions.Create(req.Directory, req.Model, req.Preset)
	writeJSON(w, http.StatusOK, sess)
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// dismissSession handles DELETE /session/{sessionID}
func (s *Server) dismissSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Dismiss(chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// SendMessageRequest is the body for POST /session/{sessionID}/message.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// sendMessage handles POST /session/{sessionID}/message
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	if err := s.sessions.Prompt(chi.URLParam(r, "sessionID"), req.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// getMessages handles GET /session/{sessionID}/message
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		// Malformed limits fall back to the full retained history.
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	messages, err := s.sessions.History(chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// PermissionResponseRequest is the body for permission resolutions.
type PermissionResponseRequest struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// respondPermission handles POST /session/{sessionID}/permission/{requestID}
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	err := s.sessions.RespondPermission(
		chi.URLParam(r, "sessionID"),
		chi.URLParam(r, "requestID"),
		req.Allow,
		req.Reason,
	)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// AnswerQuestionRequest is the body for question resolutions.
type AnswerQuestionRequest struct {
	Answers map[string]string `json:"answers"`
}

// answerQuestion handles POST /session/{sessionID}/question/{requestID}
func (s *Server) answerQuestion(w http.ResponseWriter, r *http.Request) {
	var req AnswerQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if len(req.Answers) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "answers are required")
		return
	}

	err := s.sessions.AnswerQuestion(
		chi.URLParam(r, "sessionID"),
		chi.URLParam(r, "requestID"),
		req.Answers,
	)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// PlanResponseRequest is the body for plan resolutions.
type PlanResponseRequest struct {
	Accept   bool   `json:"accept"`
	Feedback string `json:"feedback,omitempty"`
}

// respondPlan handles POST /session/{sessionID}/plan/{requestID}
func (s *Server) respondPlan(w http.ResponseWriter, r *http.Request) {
	var req PlanResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	err := s.sessions.RespondPlan(
		chi.URLParam(r, "sessionID"),
		chi.URLParam(r, "requestID"),
		req.Accept,
		req.Feedback,
	)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// SetModeRequest is the body for PATCH /session/{sessionID}/mode.
type SetModeRequest struct {
	Mode types.PermissionMode `json:"mode"`
}

// setPermissionMode handles PATCH /session/{sessionID}/mode
func (s *Server) setPermissionMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if !types.ValidPermissionMode(req.Mode) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown permission mode")
		return
	}

	if err := s.sessions.SetPermissionMode(chi.URLParam(r, "sessionID"), req.Mode); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// stopSession handles POST /session/{sessionID}/abort
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// getStats handles GET /stats
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Stats())
}

// writeSessionError maps manager errors onto API error codes. Rejections
// carry a reason and mutate nothing.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, ErrCodeBusy, "Session is busy")
	case errors.Is(err, session.ErrTerminated):
		writeError(w, http.StatusGone, ErrCodeTerminated, "Session is stopped")
	case errors.Is(err, session.ErrNoPending):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "No such pending interaction")
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	}
}
