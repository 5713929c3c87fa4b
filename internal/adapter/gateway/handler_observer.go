package gateway

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	observerStreamBuffer = 64
	observerWriteTimeout = 5 * time.Second
)

// handleObserver upgrades /ws connections into read-only session observers.
// The observer is registered as a debug agent, receives a snapshot of the
// current session state, then a live feed of the session's events.
func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	applicationID := q.Get("applicationId")
	privacyKey := q.Get("privacyKey")

	if err := s.auth.Verify(applicationID, privacyKey); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.ApplicationID() != applicationID {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	observer, err := s.sessions.RegisterDebugAgent(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("observer accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	s.logger.Info("observer connected", "session_id", sessionID, "observer", observer)

	// Subscribe before snapshotting so nothing published in between is lost;
	// the observer may see an event that is already in its snapshot.
	events, cancelStream := sess.Bus().Stream(observerStreamBuffer)
	defer cancelStream()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Observers never send; a read failure is the disconnect signal.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	send := func(f Frame) bool {
		writeCtx, cancelWrite := context.WithTimeout(ctx, observerWriteTimeout)
		err := wsjson.Write(writeCtx, ws, f)
		cancelWrite()
		return err == nil
	}

	if !send(newFrame(FrameTypeSnapshot, "agents", sess.AgentStatuses())) {
		return
	}
	if !send(newFrame(FrameTypeSnapshot, "threads", sess.Threads().ListThreads())) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Session bus closed: the session is gone.
				send(newFrame(FrameTypeEvent, "session.closed", nil))
				return
			}
			if !send(newFrame(FrameTypeEvent, string(ev.Type), ev)) {
				return
			}
		}
	}
}
