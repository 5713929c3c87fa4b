package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

const (
	dialTimeout    = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// Peer is one reconnecting websocket link to a remote server. All calls go
// through a circuit breaker; while the circuit is open or the link is down
// callers fail fast with ErrPeerUnavailable.
type Peer struct {
	name   string
	url    string
	bus    domain.EventBus // server-level bus for degraded/recovered, may be nil
	logger *slog.Logger

	breaker *gobreaker.CircuitBreaker[json.RawMessage]

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[uint64]chan Frame
	handles  map[string]*remoteHandle // keyed by sessionID+"/"+agentName
	degraded bool

	nextID atomic.Uint64
	closed chan struct{}
	once   sync.Once
}

// NewPeer creates the link and starts its reconnect loop.
func NewPeer(name, url string, bus domain.EventBus, logger *slog.Logger) *Peer {
	p := &Peer{
		name:    name,
		url:     url,
		bus:     bus,
		logger:  logger,
		pending: make(map[uint64]chan Frame),
		handles: make(map[string]*remoteHandle),
		closed:  make(chan struct{}),
	}
	p.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "peer:" + name,
		MaxRequests: 1, // one probe in half-open
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("peer circuit state change",
				"peer", name, "from", from.String(), "to", to.String())
		},
	})
	go p.run()
	return p
}

// Name returns the peer's configured name.
func (p *Peer) Name() string { return p.name }

// Connected reports whether the link is currently up.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Close tears the link down and fails all in-flight calls.
func (p *Peer) Close() {
	p.once.Do(func() { close(p.closed) })
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "peer link closing")
	}
}

// run dials with exponential backoff and pumps frames until Close.
func (p *Peer) run() {
	backoff := initialBackoff
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, p.url, nil)
		cancel()
		if err != nil {
			p.markDegraded(err)
			select {
			case <-p.closed:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		p.markRecovered()

		readErr := p.readLoop(conn)
		conn.Close(websocket.StatusGoingAway, "read loop ended")

		p.mu.Lock()
		p.conn = nil
		p.failPendingLocked(readErr)
		p.mu.Unlock()

		select {
		case <-p.closed:
			return
		default:
			p.markDegraded(readErr)
		}
	}
}

// readLoop dispatches inbound frames until the connection fails.
func (p *Peer) readLoop(conn *websocket.Conn) error {
	for {
		var f Frame
		if err := wsjson.Read(context.Background(), conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case FrameResponse:
			p.mu.Lock()
			ch, ok := p.pending[f.ID]
			delete(p.pending, f.ID)
			p.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameEvent:
			p.dispatchEvent(f)
		default:
			p.logger.Warn("unexpected peer frame", "peer", p.name, "type", f.Type)
		}
	}
}

func (p *Peer) dispatchEvent(f Frame) {
	switch f.Method {
	case MethodAgentLog:
		var ev AgentLogEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return
		}
		if h := p.handle(ev.SessionID, ev.Name); h != nil {
			h.emit(ev.Stream, ev.Text)
		}
	case MethodAgentExit:
		var ev AgentExitEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return
		}
		if h := p.takeHandle(ev.SessionID, ev.Name); h != nil {
			if ev.Error != "" {
				h.emit("runtime", "exited: "+ev.Error)
			}
			h.finish()
		}
	default:
		p.logger.Debug("unhandled peer event", "peer", p.name, "method", f.Method)
	}
}

// Call performs one request/response exchange through the circuit breaker.
// An open circuit or a downed link yields ErrPeerUnavailable.
func (p *Peer) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	resp, err := p.breaker.Execute(func() (json.RawMessage, error) {
		return p.call(ctx, method, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewSubSystemError("peer", "Peer.Call",
				domain.ErrPeerUnavailable, fmt.Sprintf("%s: circuit open", p.name))
		}
		return nil, err
	}
	return resp, nil
}

func (p *Peer) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, domain.NewSubSystemError("peer", "Peer.Call",
			domain.ErrPeerUnavailable, p.name+": not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := p.nextID.Add(1)
	ch := make(chan Frame, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	req := Frame{Type: FrameRequest, ID: id, Method: method, Payload: data}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("peer %s: %s: %s", p.name, method, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// LaunchAgent starts an agent on the peer and returns a handle whose log
// stream is fed by the peer's agent.log events.
func (p *Peer) LaunchAgent(ctx context.Context, params domain.RuntimeParams) (domain.AgentHandle, error) {
	req := LaunchRequest{
		SessionID:     params.SessionID,
		ApplicationID: params.ApplicationID,
		PrivacyKey:    params.PrivacyKey,
		Definition:    params.Definition,
		Name:          params.Name,
		SystemPrompt:  params.SystemPrompt,
		Options:       params.Options,
		ConnectionURL: params.ConnectionURL,
	}
	// Register the handle before the call: the peer may emit agent.log or
	// agent.exit for this agent before the launch response arrives.
	h := newRemoteHandle(p, params.SessionID, params.Name)
	p.mu.Lock()
	p.handles[handleKey(params.SessionID, params.Name)] = h
	p.mu.Unlock()

	if _, err := p.Call(ctx, MethodAgentLaunch, req); err != nil {
		p.takeHandle(params.SessionID, params.Name)
		return nil, err
	}
	return h, nil
}

// CreateSession creates a session on the peer and returns its id.
func (p *Peer) CreateSession(ctx context.Context, applicationID, privacyKey string, graph domain.AgentGraph) (string, error) {
	payload, err := p.Call(ctx, MethodSessionCreate, CreateSessionRequest{
		ApplicationID: applicationID,
		PrivacyKey:    privacyKey,
		Graph:         graph,
	})
	if err != nil {
		return "", err
	}
	var resp CreateSessionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("peer %s: malformed session.create response: %w", p.name, err)
	}
	return resp.SessionID, nil
}

func (p *Peer) handle(sessionID, name string) *remoteHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[handleKey(sessionID, name)]
}

func (p *Peer) takeHandle(sessionID, name string) *remoteHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := handleKey(sessionID, name)
	h := p.handles[key]
	delete(p.handles, key)
	return h
}

func handleKey(sessionID, name string) string { return sessionID + "/" + name }

// failPendingLocked wakes every in-flight call with the link error.
// Caller holds p.mu.
func (p *Peer) failPendingLocked(err error) {
	for id, ch := range p.pending {
		ch <- Frame{Type: FrameResponse, ID: id, Error: fmt.Sprintf("link lost: %v", err)}
		delete(p.pending, id)
	}
}

func (p *Peer) markDegraded(err error) {
	p.mu.Lock()
	already := p.degraded
	p.degraded = true
	p.mu.Unlock()
	if already {
		return
	}
	p.logger.Warn("peer degraded", "peer", p.name, "error", err)
	if p.bus != nil {
		p.bus.Publish(context.Background(), domain.NewEvent(domain.EventPeerDegraded, "",
			map[string]string{"peer": p.name, "error": fmt.Sprint(err)}))
	}
}

func (p *Peer) markRecovered() {
	p.mu.Lock()
	wasDegraded := p.degraded
	p.degraded = false
	p.mu.Unlock()
	if !wasDegraded {
		return
	}
	p.logger.Info("peer recovered", "peer", p.name)
	if p.bus != nil {
		p.bus.Publish(context.Background(), domain.NewEvent(domain.EventPeerRecovered, "",
			map[string]string{"peer": p.name}))
	}
}

// remoteHandle is the AgentHandle for a peer-launched agent.
type remoteHandle struct {
	peer      *Peer
	sessionID string
	name      string
	logs      chan domain.LogLine
	done      chan struct{}

	mu     sync.Mutex // guards closed against emit/finish races
	closed bool
}

func newRemoteHandle(p *Peer, sessionID, name string) *remoteHandle {
	return &remoteHandle{
		peer:      p,
		sessionID: sessionID,
		name:      name,
		logs:      make(chan domain.LogLine, 256),
		done:      make(chan struct{}),
	}
}

func (h *remoteHandle) AgentName() string           { return h.name }
func (h *remoteHandle) Logs() <-chan domain.LogLine { return h.logs }
func (h *remoteHandle) Done() <-chan struct{}       { return h.done }

// Stop asks the peer to stop the agent. The handle finishes locally even if
// the peer is unreachable; a dead link must not wedge session close.
func (h *remoteHandle) Stop(ctx context.Context) error {
	_, err := h.peer.Call(ctx, MethodAgentStop, StopRequest{
		SessionID: h.sessionID,
		Name:      h.name,
	})
	h.peer.takeHandle(h.sessionID, h.name)
	h.finish()
	if err != nil && !errors.Is(err, domain.ErrPeerUnavailable) {
		return err
	}
	return nil
}

func (h *remoteHandle) emit(stream, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	line := domain.LogLine{AgentName: h.name, Stream: stream, Text: text, At: time.Now()}
	select {
	case h.logs <- line:
	default:
		// Slow consumer: drop the oldest line.
		select {
		case <-h.logs:
		default:
		}
		select {
		case h.logs <- line:
		default:
		}
	}
}

func (h *remoteHandle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.logs)
	close(h.done)
}
