package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/logger"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/eventbus"
)

// fakePeerServer answers peer frames with the given handler. The handler
// may also push event frames through the connection it receives.
func fakePeerServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn, f Frame)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		for {
			var f Frame
			if err := wsjson.Read(r.Context(), c, &f); err != nil {
				return
			}
			handler(r.Context(), c, f)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func respond(ctx context.Context, c *websocket.Conn, req Frame, payload any) {
	data, _ := json.Marshal(payload)
	wsjson.Write(ctx, c, Frame{Type: FrameResponse, ID: req.ID, Payload: data})
}

func waitConnected(t *testing.T, p *Peer) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("peer never connected")
}

func TestPeerCreateSession(t *testing.T) {
	url := fakePeerServer(t, func(ctx context.Context, c *websocket.Conn, f Frame) {
		if f.Method != MethodSessionCreate {
			respond(ctx, c, f, nil)
			return
		}
		var req CreateSessionRequest
		json.Unmarshal(f.Payload, &req)
		if req.ApplicationID != "app-1" || len(req.Graph.Agents) != 1 {
			wsjson.Write(ctx, c, Frame{Type: FrameResponse, ID: f.ID, Error: "bad request"})
			return
		}
		respond(ctx, c, f, CreateSessionResponse{SessionID: "ses_remote"})
	})

	p := NewPeer("peer-b", url, nil, logger.Discard())
	defer p.Close()
	waitConnected(t, p)

	id, err := p.CreateSession(context.Background(), "app-1", "key", domain.AgentGraph{
		Agents: []domain.GraphAgent{{ID: domain.AgentID{Name: "summarizer", Version: "1.0.0"}}},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "ses_remote" {
		t.Errorf("session id = %q", id)
	}
}

func TestPeerCallErrorPropagates(t *testing.T) {
	url := fakePeerServer(t, func(ctx context.Context, c *websocket.Conn, f Frame) {
		wsjson.Write(ctx, c, Frame{Type: FrameResponse, ID: f.ID, Error: "unknown agent"})
	})

	p := NewPeer("peer-b", url, nil, logger.Discard())
	defer p.Close()
	waitConnected(t, p)

	_, err := p.Call(context.Background(), MethodSessionCreate, CreateSessionRequest{})
	if err == nil || !strings.Contains(err.Error(), "unknown agent") {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestPeerLaunchAgentStreamsLogs(t *testing.T) {
	url := fakePeerServer(t, func(ctx context.Context, c *websocket.Conn, f Frame) {
		if f.Method != MethodAgentLaunch {
			respond(ctx, c, f, nil)
			return
		}
		var req LaunchRequest
		json.Unmarshal(f.Payload, &req)
		respond(ctx, c, f, nil)

		logPayload, _ := json.Marshal(AgentLogEvent{
			SessionID: req.SessionID, Name: req.Name, Stream: "stdout", Text: "working",
		})
		wsjson.Write(ctx, c, Frame{Type: FrameEvent, Method: MethodAgentLog, Payload: logPayload})

		exitPayload, _ := json.Marshal(AgentExitEvent{SessionID: req.SessionID, Name: req.Name})
		wsjson.Write(ctx, c, Frame{Type: FrameEvent, Method: MethodAgentExit, Payload: exitPayload})
	})

	p := NewPeer("peer-b", url, nil, logger.Discard())
	defer p.Close()
	waitConnected(t, p)

	h, err := p.LaunchAgent(context.Background(), domain.RuntimeParams{
		SessionID: "ses_1",
		Name:      "summarizer",
		Definition: domain.AgentDefinition{
			ID:      domain.AgentID{Name: "summarizer", Version: "1.0.0"},
			Runtime: domain.RuntimeDescriptor{Kind: domain.RuntimeRemote, Address: "peer-b"},
		},
	})
	if err != nil {
		t.Fatalf("LaunchAgent: %v", err)
	}

	var lines []domain.LogLine
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-h.Logs():
			if !ok {
				if len(lines) != 1 || lines[0].Text != "working" {
					t.Fatalf("lines = %v", lines)
				}
				select {
				case <-h.Done():
					return
				case <-time.After(time.Second):
					t.Fatal("Done not closed after exit event")
				}
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatalf("log stream never closed; got %v", lines)
		}
	}
}

func TestPeerUnavailableBeforeConnect(t *testing.T) {
	// Nothing listens on this address.
	p := NewPeer("peer-b", "ws://127.0.0.1:1/peer", nil, logger.Discard())
	defer p.Close()

	_, err := p.Call(context.Background(), MethodSessionCreate, CreateSessionRequest{})
	if !errors.Is(err, domain.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
}

func TestPeerCircuitOpensAfterFailures(t *testing.T) {
	p := NewPeer("peer-b", "ws://127.0.0.1:1/peer", nil, logger.Discard())
	defer p.Close()

	for i := 0; i < int(breakerMaxFailures)+2; i++ {
		_, err := p.Call(context.Background(), MethodSessionCreate, CreateSessionRequest{})
		if !errors.Is(err, domain.ErrPeerUnavailable) {
			t.Fatalf("call %d: expected ErrPeerUnavailable, got %v", i, err)
		}
	}
}

func TestPeerDegradedEventPublished(t *testing.T) {
	bus := eventbus.New(logger.Discard())
	defer bus.Close()

	degraded := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventPeerDegraded, func(ctx context.Context, e domain.Event) {
		select {
		case degraded <- e:
		default:
		}
	})

	p := NewPeer("peer-b", "ws://127.0.0.1:1/peer", bus, logger.Discard())
	defer p.Close()

	select {
	case e := <-degraded:
		var payload map[string]string
		json.Unmarshal(e.Payload, &payload)
		if payload["peer"] != "peer-b" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no degraded event")
	}
}

func TestRemoteHandleStopToleratesDeadLink(t *testing.T) {
	p := NewPeer("peer-b", "ws://127.0.0.1:1/peer", nil, logger.Discard())
	defer p.Close()

	h := newRemoteHandle(p, "ses_1", "summarizer")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop over a dead link must not error, got %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("handle must finish locally even when the peer is unreachable")
	}
}

func TestManagerPeerLookup(t *testing.T) {
	m := NewManager(nil, logger.Discard())
	defer m.Close()

	m.AddPeer(PeerInfo{Name: "zeta", URL: "ws://127.0.0.1:1/peer"})
	m.AddPeer(PeerInfo{Name: "alpha", URL: "ws://127.0.0.1:1/peer"})
	m.AddPeer(PeerInfo{Name: "alpha", URL: "ws://other:1/peer"}) // no-op

	list := m.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Fatalf("list = %v", list)
	}
	if list[0].URL != "ws://127.0.0.1:1/peer" {
		t.Error("duplicate AddPeer must not replace the original link")
	}

	if _, err := m.Peer("ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var de *domain.DomainError
	_, err := m.Peer("ghost")
	if !errors.As(err, &de) || de.Code() != domain.CodePeerNotFound {
		t.Fatalf("expected PEER_NOT_FOUND code, got %v", err)
	}

	if _, err := m.LaunchAgent(context.Background(), "ghost", domain.RuntimeParams{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("LaunchAgent unknown peer: %v", err)
	}
}

func TestNoopDiscoverer(t *testing.T) {
	peers, err := NewNoopDiscoverer().Scan(context.Background())
	if err != nil || peers != nil {
		t.Fatalf("got %v, %v", peers, err)
	}
}
