package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/tracer"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/session"
)

const (
	defaultWaitMillis = 30_000
	maxWaitMillis     = 300_000
)

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("register",
		mcp.WithDescription("Announce this agent as connected to its session."),
	), s.handleRegister)

	m.AddTool(mcp.NewTool("list_agents",
		mcp.WithDescription("List every agent in the session with role and connection state."),
	), s.handleListAgents)

	m.AddTool(mcp.NewTool("create_thread",
		mcp.WithDescription("Create a conversation thread with an initial participant set."),
		mcp.WithArray("participants",
			mcp.Required(),
			mcp.Description("Agent names to enroll; must all belong to the session."),
			mcp.Items(map[string]any{"type": "string"}),
		),
	), s.handleCreateThread)

	m.AddTool(mcp.NewTool("add_participant",
		mcp.WithDescription("Add an agent to an open thread."),
		mcp.WithString("threadId", mcp.Required()),
		mcp.WithString("participantId", mcp.Required(), mcp.Description("Agent name to add.")),
	), s.handleAddParticipant)

	m.AddTool(mcp.NewTool("remove_participant",
		mcp.WithDescription("Remove an agent from an open thread. Removing a non-member is a no-op."),
		mcp.WithString("threadId", mcp.Required()),
		mcp.WithString("participantId", mcp.Required(), mcp.Description("Agent name to remove.")),
	), s.handleRemoveParticipant)

	m.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to a thread, optionally mentioning other participants."),
		mcp.WithString("threadId", mcp.Required()),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message body.")),
		mcp.WithArray("mentions",
			mcp.Description("Participant names to notify; each must be in the thread."),
			mcp.Items(map[string]any{"type": "string"}),
		),
	), s.handleSendMessage)

	m.AddTool(mcp.NewTool("close_thread",
		mcp.WithDescription("Close a thread permanently with an optional summary."),
		mcp.WithString("threadId", mcp.Required()),
		mcp.WithString("summary", mcp.Description("Final summary recorded on the thread.")),
	), s.handleCloseThread)

	m.AddTool(mcp.NewTool("wait_for_mentions",
		mcp.WithDescription("Block until another agent mentions this one, returning the queued messages. "+
			"Returns an empty list on timeout."),
		mcp.WithNumber("timeoutMs",
			mcp.Description(fmt.Sprintf("Max wait in milliseconds (default %d, max %d).",
				defaultWaitMillis, maxWaitMillis)),
		),
	), s.handleWaitForMentions)
}

// begin performs the shared per-call checks: caller identity, session
// lookup, rate limit, role, and (for mutating tools) session writability.
func (s *Server) begin(ctx context.Context, op string, mutating bool) (*session.Session, string, error) {
	sessionID, agentID, err := caller(ctx)
	if err != nil {
		return nil, "", err
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, "", err
	}
	if !s.limiters.allow(sessionID + "/" + agentID) {
		return nil, "", domain.NewDomainError(op, domain.ErrRateLimited, agentID)
	}
	role, err := sess.Role(agentID)
	if err != nil {
		return nil, "", err
	}
	if mutating {
		if role == domain.RoleObserver {
			return nil, "", domain.NewDomainError(op, domain.ErrObserverOnly, agentID)
		}
		if err := sess.Writable(); err != nil {
			return nil, "", err
		}
	}
	sess.Touch()
	return sess, agentID, nil
}

func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", domain.ErrorCodeOf(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, agentID, err := s.begin(ctx, "mcptools.register", false)
	if err != nil {
		return errResult(err), nil
	}
	if err := sess.MarkConnected(agentID, true); err != nil {
		return errResult(err), nil
	}
	s.logger.Info("agent registered", "session_id", sess.ID(), "agent", agentID)
	return mcp.NewToolResultText(fmt.Sprintf("registered as %s in session %s", agentID, sess.ID())), nil
}

func (s *Server) handleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, _, err := s.begin(ctx, "mcptools.list_agents", false)
	if err != nil {
		return errResult(err), nil
	}
	return jsonResult(sess.AgentStatuses())
}

func (s *Server) handleCreateThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, _, err := s.begin(ctx, "mcptools.create_thread", true)
	if err != nil {
		return errResult(err), nil
	}
	participants := req.GetStringSlice("participants", nil)
	id, err := sess.Threads().CreateThread(ctx, participants)
	if err != nil {
		return errResult(err), nil
	}
	return jsonResult(map[string]string{"threadId": id})
}

func (s *Server) handleAddParticipant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, _, err := s.begin(ctx, "mcptools.add_participant", true)
	if err != nil {
		return errResult(err), nil
	}
	threadID, err := req.RequireString("threadId")
	if err != nil {
		return errResult(err), nil
	}
	participant, err := req.RequireString("participantId")
	if err != nil {
		return errResult(err), nil
	}
	if err := sess.Threads().AddParticipant(ctx, threadID, participant); err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("participant added"), nil
}

func (s *Server) handleRemoveParticipant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, _, err := s.begin(ctx, "mcptools.remove_participant", true)
	if err != nil {
		return errResult(err), nil
	}
	threadID, err := req.RequireString("threadId")
	if err != nil {
		return errResult(err), nil
	}
	participant, err := req.RequireString("participantId")
	if err != nil {
		return errResult(err), nil
	}
	if err := sess.Threads().RemoveParticipant(ctx, threadID, participant); err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("participant removed"), nil
}

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "message.send")
	defer span.End()

	sess, agentID, err := s.begin(ctx, "mcptools.send_message", true)
	if err != nil {
		return errResult(err), nil
	}
	span.SetAttributes(tracer.SessionAttr(sess.ID()))
	threadID, err := req.RequireString("threadId")
	if err != nil {
		return errResult(err), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return errResult(err), nil
	}
	mentions := req.GetStringSlice("mentions", nil)
	msg, err := sess.Threads().SendMessage(ctx, threadID, agentID, content, mentions)
	if err != nil {
		tracer.RecordError(span, err)
		return errResult(err), nil
	}
	return jsonResult(map[string]any{"messageId": msg.ID, "seq": msg.Seq})
}

func (s *Server) handleCloseThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, _, err := s.begin(ctx, "mcptools.close_thread", true)
	if err != nil {
		return errResult(err), nil
	}
	threadID, err := req.RequireString("threadId")
	if err != nil {
		return errResult(err), nil
	}
	summary := req.GetString("summary", "")
	if err := sess.Threads().CloseThread(ctx, threadID, summary); err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("thread closed"), nil
}

func (s *Server) handleWaitForMentions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "mention.wait")
	defer span.End()

	sess, agentID, err := s.begin(ctx, "mcptools.wait_for_mentions", false)
	if err != nil {
		return errResult(err), nil
	}
	span.SetAttributes(tracer.SessionAttr(sess.ID()))
	millis := req.GetInt("timeoutMs", defaultWaitMillis)
	if millis <= 0 || millis > maxWaitMillis {
		millis = defaultWaitMillis
	}

	msgs, err := sess.Mentions().Wait(ctx, agentID, time.Duration(millis)*time.Millisecond)
	switch {
	case err == nil:
		sess.Touch()
		return jsonResult(msgs)
	case isTimeout(err):
		return jsonResult([]domain.ThreadMessage{})
	default:
		return errResult(err), nil
	}
}

func isTimeout(err error) bool {
	return domain.ErrorCodeOf(err) == domain.CodeTimeout
}
