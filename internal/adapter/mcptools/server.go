// Package mcptools exposes the agent-facing tool surface over MCP. Agents
// connect to the SSE endpoint with their session and agent identity in the
// query string; every tool call is resolved against that identity.
package mcptools

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/config"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/session"
)

type ctxKey int

const (
	ctxKeySessionID ctxKey = iota
	ctxKeyAgentID
)

// withCaller attaches the caller identity to a context. Exposed to the
// SSE context func and to tests.
func withCaller(ctx context.Context, sessionID, agentID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeySessionID, sessionID)
	return context.WithValue(ctx, ctxKeyAgentID, agentID)
}

// caller extracts the session and agent identity set at connect time.
func caller(ctx context.Context) (sessionID, agentID string, err error) {
	sessionID, _ = ctx.Value(ctxKeySessionID).(string)
	agentID, _ = ctx.Value(ctxKeyAgentID).(string)
	if sessionID == "" || agentID == "" {
		return "", "", domain.NewDomainError("mcptools.caller",
			domain.ErrAuthInvalid, "missing sessionId or agentId")
	}
	return sessionID, agentID, nil
}

// Server serves the MCP tool endpoint for connected agents.
type Server struct {
	sessions *session.Manager
	limiters *limiterPool
	logger   *slog.Logger

	mcp *server.MCPServer
	sse *server.SSEServer
}

// New wires the tool handlers into an MCP server and wraps it in an SSE
// transport that reads sessionId and agentId from the query string.
func New(sessions *session.Manager, rl config.RateLimitConfig, logger *slog.Logger) *Server {
	s := &Server{
		sessions: sessions,
		limiters: newLimiterPool(rl.PerAgentPerSecond, rl.Burst),
		logger:   logger,
	}

	m := server.NewMCPServer(
		"prsummarizer",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools(m)
	s.mcp = m

	s.sse = server.NewSSEServer(m,
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			q := r.URL.Query()
			return withCaller(ctx, q.Get("sessionId"), q.Get("agentId"))
		}),
	)
	return s
}

// Start serves the SSE endpoint on addr. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("mcp tool endpoint listening", "addr", addr)
	return s.sse.Start(addr)
}

// Shutdown stops the SSE server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.sse.Shutdown(ctx)
}
