// Package remote maintains websocket links to peer servers: request/response
// calls with reconnect, backoff, and a circuit breaker, plus the remote side
// of agent launches. Peer outages surface as degraded events, never as
// session teardown.
package remote

import (
	"encoding/json"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// Frame types on the peer wire.
const (
	FrameRequest  = "req"
	FrameResponse = "resp"
	FrameEvent    = "event"
)

// Peer call methods.
const (
	MethodSessionCreate = "session.create"
	MethodAgentLaunch   = "agent.launch"
	MethodAgentStop     = "agent.stop"
)

// Peer event methods.
const (
	MethodAgentLog  = "agent.log"
	MethodAgentExit = "agent.exit"
)

// Frame is the peer wire envelope. Requests carry an id the response must
// echo; events carry no id.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// LaunchRequest is the agent.launch payload.
type LaunchRequest struct {
	SessionID     string                 `json:"session_id"`
	ApplicationID string                 `json:"application_id"`
	PrivacyKey    string                 `json:"privacy_key"`
	Definition    domain.AgentDefinition `json:"definition"`
	Name          string                 `json:"name"`
	SystemPrompt  string                 `json:"system_prompt,omitempty"`
	Options       map[string]any         `json:"options,omitempty"`
	// ConnectionURL points back at the origin server's tool endpoint; the
	// launched agent joins the origin session, not one on the peer.
	ConnectionURL string `json:"connection_url"`
}

// StopRequest is the agent.stop payload.
type StopRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// CreateSessionRequest is the session.create payload.
type CreateSessionRequest struct {
	ApplicationID string            `json:"application_id"`
	PrivacyKey    string            `json:"privacy_key"`
	Graph         domain.AgentGraph `json:"graph"`
}

// CreateSessionResponse is the session.create reply payload.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// AgentLogEvent is the agent.log event payload.
type AgentLogEvent struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Stream    string `json:"stream"`
	Text      string `json:"text"`
}

// AgentExitEvent is the agent.exit event payload.
type AgentExitEvent struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Error     string `json:"error,omitempty"`
}
