package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/remote"
)

const peerStopTimeout = 10 * time.Second

// peerConn is one inbound peer link. Writes are serialized because launch
// watchers push events concurrently with request responses.
type peerConn struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	handles map[string]domain.AgentHandle // sessionID+"/"+name
}

func (pc *peerConn) write(ctx context.Context, f remote.Frame) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, observerWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, pc.ws, f)
}

func (pc *peerConn) addHandle(key string, h domain.AgentHandle) {
	pc.mu.Lock()
	pc.handles[key] = h
	pc.mu.Unlock()
}

func (pc *peerConn) getHandle(key string) domain.AgentHandle {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.handles[key]
}

func (pc *peerConn) takeHandle(key string) domain.AgentHandle {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	h := pc.handles[key]
	delete(pc.handles, key)
	return h
}

func (pc *peerConn) drainHandles() []domain.AgentHandle {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]domain.AgentHandle, 0, len(pc.handles))
	for k, h := range pc.handles {
		out = append(out, h)
		delete(pc.handles, k)
	}
	return out
}

// handlePeer serves the peer wire protocol: other servers dial /peer to
// create sessions here or to launch agents on this server's runtimes while
// the session itself lives on the caller.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("peer accept failed", "error", err)
		return
	}
	pc := &peerConn{ws: ws, handles: make(map[string]domain.AgentHandle)}
	s.logger.Info("peer connected", "remote_addr", r.RemoteAddr)

	ctx := r.Context()
	for {
		var f remote.Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			break
		}
		if f.Type != remote.FrameRequest {
			continue
		}
		s.dispatchPeerRequest(ctx, pc, f)
	}

	// The link is gone: agents launched for the caller have no owner left.
	for _, h := range pc.drainHandles() {
		stopCtx, cancel := context.WithTimeout(context.Background(), peerStopTimeout)
		if err := h.Stop(stopCtx); err != nil {
			s.logger.Warn("orphaned peer agent stop failed", "agent", h.AgentName(), "error", err)
		}
		cancel()
	}
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("peer disconnected", "remote_addr", r.RemoteAddr)
}

func (s *Server) dispatchPeerRequest(ctx context.Context, pc *peerConn, req remote.Frame) {
	var payload any
	var err error

	switch req.Method {
	case remote.MethodSessionCreate:
		payload, err = s.peerCreateSession(ctx, req.Payload)
	case remote.MethodAgentLaunch:
		payload, err = s.peerLaunchAgent(ctx, pc, req.Payload)
	case remote.MethodAgentStop:
		payload, err = s.peerStopAgent(pc, req.Payload)
	default:
		err = domain.NewDomainError("gateway.peer", domain.ErrInvalidInput,
			"unknown method "+req.Method)
	}

	resp := remote.Frame{Type: remote.FrameResponse, ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
	} else if payload != nil {
		if data, mErr := json.Marshal(payload); mErr == nil {
			resp.Payload = data
		}
	}
	if wErr := pc.write(ctx, resp); wErr != nil {
		s.logger.Warn("peer response write failed", "method", req.Method, "error", wErr)
	}
}

func (s *Server) peerCreateSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var req remote.CreateSessionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.NewDomainError("gateway.peer", domain.ErrInvalidInput, "malformed session.create")
	}
	if err := s.auth.Verify(req.ApplicationID, req.PrivacyKey); err != nil {
		return nil, err
	}
	sess, err := s.sessions.CreateSession(ctx, req.ApplicationID, req.PrivacyKey, req.Graph)
	if err != nil {
		return nil, err
	}
	return remote.CreateSessionResponse{SessionID: sess.ID()}, nil
}

// peerLaunchAgent starts an agent on this server's runtimes on behalf of a
// remote session. The definition is resolved from the local registry; the
// caller's copy only names it.
func (s *Server) peerLaunchAgent(ctx context.Context, pc *peerConn, raw json.RawMessage) (any, error) {
	var req remote.LaunchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.NewDomainError("gateway.peer", domain.ErrInvalidInput, "malformed agent.launch")
	}
	if err := s.auth.Verify(req.ApplicationID, req.PrivacyKey); err != nil {
		return nil, err
	}

	def, err := s.registry.Get(req.Definition.ID)
	if err != nil {
		return nil, err
	}
	if def.Runtime.Kind == domain.RuntimeRemote {
		return nil, domain.NewDomainError("gateway.peer", domain.ErrInvalidInput,
			"definition "+def.ID.String()+" is remote here too; launch loops are not allowed")
	}
	options, err := s.registry.ValidateOptions(def.ID, req.Options)
	if err != nil {
		return nil, err
	}

	rt, err := s.runtimes.ForKind(def.Runtime.Kind)
	if err != nil {
		return nil, err
	}
	handle, err := rt.Launch(ctx, domain.RuntimeParams{
		SessionID:     req.SessionID,
		ApplicationID: req.ApplicationID,
		PrivacyKey:    req.PrivacyKey,
		Definition:    def,
		Name:          req.Name,
		SystemPrompt:  req.SystemPrompt,
		Options:       options,
		ConnectionURL: req.ConnectionURL,
	})
	if err != nil {
		return nil, err
	}

	key := req.SessionID + "/" + req.Name
	pc.addHandle(key, handle)
	go s.watchPeerAgent(pc, key, req.SessionID, req.Name, handle)

	s.logger.Info("peer agent launched",
		"session_id", req.SessionID, "agent", req.Name, "definition", def.ID.String())
	return nil, nil
}

// peerStopAgent stops an agent launched over this connection. Stopping an
// agent that already exited is an idempotent no-op.
func (s *Server) peerStopAgent(pc *peerConn, raw json.RawMessage) (any, error) {
	var req remote.StopRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.NewDomainError("gateway.peer", domain.ErrInvalidInput, "malformed agent.stop")
	}
	h := pc.getHandle(req.SessionID + "/" + req.Name)
	if h == nil {
		return nil, nil
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), peerStopTimeout)
	defer cancel()
	return nil, h.Stop(stopCtx)
}

// watchPeerAgent forwards the handle's log stream to the caller and
// reports the exit.
func (s *Server) watchPeerAgent(pc *peerConn, key, sessionID, name string, h domain.AgentHandle) {
	ctx := context.Background()
	for line := range h.Logs() {
		ev, _ := json.Marshal(remote.AgentLogEvent{
			SessionID: sessionID, Name: name, Stream: line.Stream, Text: line.Text,
		})
		if err := pc.write(ctx, remote.Frame{
			Type: remote.FrameEvent, Method: remote.MethodAgentLog, Payload: ev,
		}); err != nil {
			// Writer gone; keep draining so the process can finish.
			for range h.Logs() {
			}
			break
		}
	}
	<-h.Done()
	pc.takeHandle(key)

	ev, _ := json.Marshal(remote.AgentExitEvent{SessionID: sessionID, Name: name})
	if err := pc.write(ctx, remote.Frame{
		Type: remote.FrameEvent, Method: remote.MethodAgentExit, Payload: ev,
	}); err != nil {
		s.logger.Debug("peer exit event write failed", "agent", name, "error", err)
	}
}
