package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// handleListPeers returns the known peer servers, configured or discovered.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.peers.List())
}

// createPeerSessionResponse is the POST /api/peers/{name}/sessions reply.
type createPeerSessionResponse struct {
	SessionID string `json:"session_id"`
	Peer      string `json:"peer"`
}

// handleCreatePeerSession creates a session on the named peer server over
// its link. Credentials are verified locally first so a bad key fails fast
// instead of round-tripping; the peer verifies them again on its side.
func (s *Server) handleCreatePeerSession(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("name")

	var req createSessionRequest
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			Code: domain.CodeInvalidInput, Message: "malformed request body"})
		return
	}

	if err := s.auth.Verify(req.ApplicationID, req.PrivacyKey); err != nil {
		s.logger.Warn("peer session create rejected",
			"peer", peer, "application_id", req.ApplicationID)
		writeError(w, err)
		return
	}

	sessionID, err := s.peers.CreateSession(r.Context(), peer, req.ApplicationID, req.PrivacyKey, req.AgentGraph)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("session created on peer", "peer", peer, "session_id", sessionID)
	writeJSON(w, http.StatusCreated, createPeerSessionResponse{SessionID: sessionID, Peer: peer})
}
