// Package gateway is the operator-facing surface: the session HTTP API,
// the observer websocket, and the peer endpoint other servers dial for
// remote agent launches.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/registry"
	"github.com/re-minder/PRSummarizer.ai/internal/runtime"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/remote"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/session"
)

// Server hosts the gateway listener.
type Server struct {
	sessions *session.Manager
	auth     *Authenticator
	registry *registry.Registry
	runtimes *runtime.Set
	peers    *remote.Manager
	logger   *slog.Logger

	addr      string
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway bound to the given address. The registry and
// runtime set serve peer-initiated agent launches on /peer; the peer
// manager serves the outbound direction under /api/peers.
func NewServer(sessions *session.Manager, auth *Authenticator, reg *registry.Registry, runtimes *runtime.Set, peers *remote.Manager, addr string, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		auth:     auth,
		registry: reg,
		runtimes: runtimes,
		peers:    peers,
		logger:   logger,
		addr:     addr,
	}
}

// Start begins serving. Blocks until the listener fails or ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /api/peers", s.handleListPeers)
	mux.HandleFunc("POST /api/peers/{name}/sessions", s.handleCreatePeerSession)
	mux.HandleFunc("GET /ws", s.handleObserver)
	mux.HandleFunc("GET /peer", s.handlePeer)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the gateway down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
