package domain

import (
	"context"
	"time"
)

// ConnectionURLEnv is the environment variable injected into launched
// agents; it carries the per-agent tool endpoint URL.
const ConnectionURLEnv = "CORAL_CONNECTION_URL"

// LogLine is one line of agent output, tagged with its source stream.
type LogLine struct {
	AgentName string    `json:"agent_name"`
	Stream    string    `json:"stream"` // "stdout" | "stderr" | "runtime"
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// RuntimeParams carries everything a Runtime needs to start one agent.
// Constructed per launch request and consumed once.
type RuntimeParams struct {
	SessionID     string
	ApplicationID string
	PrivacyKey    string
	Definition    AgentDefinition
	Name          string // display name within the session
	SystemPrompt  string
	Options       map[string]any
	ConnectionURL string // exported to the agent as ConnectionURLEnv
}

// AgentHandle is what a Runtime returns for a launched agent. The core
// depends only on this contract, never on how the process, container, or
// connection behind it was created.
type AgentHandle interface {
	// AgentName returns the display name the agent was launched under.
	AgentName() string
	// Stop cancels the underlying process or connection.
	Stop(ctx context.Context) error
	// Logs returns the agent's event/log stream. Closed when the agent
	// terminates.
	Logs() <-chan LogLine
	// Done is closed when the agent has terminated.
	Done() <-chan struct{}
}

// Runtime launches agent processes. Implementations are self-contained
// strategies per RuntimeKind.
type Runtime interface {
	Launch(ctx context.Context, params RuntimeParams) (AgentHandle, error)
}
