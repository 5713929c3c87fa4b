package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

const maxBodyBytes = 1 << 20 // 1MB

// createSessionRequest is the POST /api/sessions body.
type createSessionRequest struct {
	ApplicationID string            `json:"application_id"`
	PrivacyKey    string            `json:"privacy_key"`
	AgentGraph    domain.AgentGraph `json:"agent_graph"`
}

type apiError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	writeJSON(w, httpStatusOf(code), apiError{Code: code, Message: err.Error()})
}

func httpStatusOf(code domain.ErrorCode) int {
	switch code {
	case domain.CodeAuthInvalid:
		return http.StatusUnauthorized
	case domain.CodeSessionNotFound, domain.CodeNotFound, domain.CodeThreadNotFound, domain.CodePeerNotFound:
		return http.StatusNotFound
	case domain.CodeUnknownAgent, domain.CodeInvalidInput, domain.CodeDuplicate:
		return http.StatusBadRequest
	case domain.CodeSessionClosed, domain.CodeObserverOnly:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodePeerUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			Code: domain.CodeInvalidInput, Message: "malformed request body"})
		return
	}

	if err := s.auth.Verify(req.ApplicationID, req.PrivacyKey); err != nil {
		s.logger.Warn("session create rejected", "application_id", req.ApplicationID)
		writeError(w, err)
		return
	}

	sess, err := s.sessions.CreateSession(r.Context(), req.ApplicationID, req.PrivacyKey, req.AgentGraph)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

// handleGetSession returns the session snapshot. With ?wait=<duration> it
// blocks until the session exists; if the wait elapses first it responds
// 204 No Content so pollers can retry.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if waitRaw := r.URL.Query().Get("wait"); waitRaw != "" {
		wait, err := time.ParseDuration(waitRaw)
		if err != nil || wait < 0 {
			writeJSON(w, http.StatusBadRequest, apiError{
				Code: domain.CodeInvalidInput, Message: "invalid wait duration"})
			return
		}
		sess, err := s.sessions.WaitForSession(r.Context(), id, wait)
		if err != nil {
			writeError(w, err)
			return
		}
		if sess == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.CloseSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
