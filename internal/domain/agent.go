package domain

import "fmt"

// AgentID is the (name, version) pair that uniquely identifies an agent
// definition within a resolved registry.
type AgentID struct {
	Name    string `json:"name"    yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (id AgentID) String() string {
	return fmt.Sprintf("%s@%s", id.Name, id.Version)
}

// IsZero reports whether the identifier is empty.
func (id AgentID) IsZero() bool { return id.Name == "" && id.Version == "" }

// OptionSpec declares one launch option an agent definition accepts.
type OptionSpec struct {
	Type        string `json:"type"                  yaml:"type"` // "string", "number", "boolean"
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty"    yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty"     yaml:"default,omitempty"`
}

// RuntimeKind selects how an agent definition becomes a running process.
type RuntimeKind string

const (
	RuntimeLocal    RuntimeKind = "local"    // spawn a local executable
	RuntimeDocker   RuntimeKind = "docker"   // start a container
	RuntimeRemote   RuntimeKind = "remote"   // proxy to a peer server
	RuntimeFunction RuntimeKind = "function" // invoke an in-process function
)

// RuntimeDescriptor carries the kind-specific launch data for a definition.
// Only the fields matching Kind are meaningful.
type RuntimeDescriptor struct {
	Kind     RuntimeKind       `json:"kind"               yaml:"kind"`
	Command  string            `json:"command,omitempty"  yaml:"command,omitempty"`
	Args     []string          `json:"args,omitempty"     yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"      yaml:"env,omitempty"`
	Image    string            `json:"image,omitempty"    yaml:"image,omitempty"`
	Address  string            `json:"address,omitempty"  yaml:"address,omitempty"`
	Function string            `json:"function,omitempty" yaml:"function,omitempty"`
}

// AgentDefinition is one resolved registry entry. Immutable after
// registry resolution; sessions reference it by identifier.
type AgentDefinition struct {
	ID          AgentID               `json:"id"                    yaml:"id"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Options     map[string]OptionSpec `json:"options,omitempty"     yaml:"options,omitempty"`
	Runtime     RuntimeDescriptor     `json:"runtime"               yaml:"runtime"`
}

// GraphAgent is one node of a requested agent graph.
type GraphAgent struct {
	ID           AgentID        `json:"id"`
	Name         string         `json:"name"` // display name, unique within the session
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// AgentGraph describes the set of agents a session is created with.
type AgentGraph struct {
	Agents []GraphAgent `json:"agents"`
}

// AgentRole distinguishes full participants from read-only observers.
type AgentRole string

const (
	RoleParticipant AgentRole = "participant"
	RoleObserver    AgentRole = "observer" // debug agents: subscribe only, no send or mention rights
)

// AgentStatus is a read-only snapshot of an agent within a session.
type AgentStatus struct {
	Name        string    `json:"name"`
	ID          AgentID   `json:"id"`
	Role        AgentRole `json:"role"`
	Connected   bool      `json:"connected"`
	LaunchError string    `json:"launch_error,omitempty"`
}
