// Package session implements session orchestration: creation against the
// resolved registry, asynchronous agent launches, lifecycle transitions,
// and the idle janitor. Each session owns its thread store, mention
// engine, and event bus exclusively.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/eventbus"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/mentions"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/threads"
)

// State is a session's lifecycle phase. Transitions only move forward:
// Creating -> Active -> Draining -> Closed.
type State string

const (
	StateCreating State = "creating"
	StateActive   State = "active"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// agentEntry is one agent's runtime state within a session.
type agentEntry struct {
	name      string
	id        domain.AgentID
	role      domain.AgentRole
	handle    domain.AgentHandle // nil for observers and failed launches
	connected bool
	launchErr string
}

// Session bundles one session's agents with its isolated messaging state.
type Session struct {
	id            string
	applicationID string

	mu           sync.RWMutex
	state        State
	agents       map[string]*agentEntry // keyed by display name
	lastActivity time.Time
	createdAt    time.Time

	threads  *threads.Store
	mentions *mentions.Engine
	bus      *eventbus.Bus
	logger   *slog.Logger
}

// Status is a read-only session snapshot for the gateway surface.
type Status struct {
	ID           string               `json:"id"`
	State        State                `json:"state"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
	Agents       []domain.AgentStatus `json:"agents"`
}

func newSession(id, applicationID string, logger *slog.Logger) *Session {
	now := time.Now()
	s := &Session{
		id:            id,
		applicationID: applicationID,
		state:         StateCreating,
		agents:        make(map[string]*agentEntry),
		lastActivity:  now,
		createdAt:     now,
		logger:        logger,
	}
	s.bus = eventbus.New(logger)
	s.mentions = mentions.NewEngine(logger)
	s.threads = threads.NewStore(id, s.isParticipant, s.mentions, s.bus, logger)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ApplicationID returns the owning application.
func (s *Session) ApplicationID() string { return s.applicationID }

// Threads returns the session's thread store.
func (s *Session) Threads() *threads.Store { return s.threads }

// Mentions returns the session's mention engine.
func (s *Session) Mentions() *mentions.Engine { return s.mentions }

// Bus returns the session's event bus.
func (s *Session) Bus() *eventbus.Bus { return s.bus }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Touch records activity, deferring the idle janitor.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Writable reports whether mutating operations are currently allowed.
func (s *Session) Writable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateDraining || s.state == StateClosed {
		return domain.NewDomainError("Session.Writable", domain.ErrSessionClosed, s.id)
	}
	return nil
}

// isParticipant is the membership check the thread store uses: the agent
// must exist in this session and not be a read-only observer.
func (s *Session) isParticipant(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.agents[name]
	return ok && entry.role == domain.RoleParticipant
}

// Role returns an agent's role, or ErrUnknownAgent.
func (s *Session) Role(name string) (domain.AgentRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.agents[name]
	if !ok {
		return "", domain.NewDomainError("Session.Role", domain.ErrUnknownAgent, name)
	}
	return entry.role, nil
}

// MarkConnected flips an agent's connected flag; used when the agent's
// tool connection is established or torn down.
func (s *Session) MarkConnected(name string, connected bool) error {
	s.mu.Lock()
	entry, ok := s.agents[name]
	if !ok {
		s.mu.Unlock()
		return domain.NewDomainError("Session.MarkConnected", domain.ErrUnknownAgent, name)
	}
	entry.connected = connected
	s.lastActivity = time.Now()
	s.mu.Unlock()

	eventType := domain.EventAgentConnected
	if !connected {
		eventType = domain.EventAgentDisconnected
	}
	s.bus.Publish(context.Background(), domain.NewEvent(eventType, s.id, map[string]string{"agent": name}))
	return nil
}

// AgentStatuses returns snapshots of all agents, sorted by name.
func (s *Session) AgentStatuses() []domain.AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AgentStatus, 0, len(s.agents))
	for _, e := range s.agents {
		out = append(out, domain.AgentStatus{
			Name:        e.name,
			ID:          e.id,
			Role:        e.role,
			Connected:   e.connected,
			LaunchError: e.launchErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns the session's gateway-facing status.
func (s *Session) Snapshot() Status {
	s.mu.RLock()
	state := s.state
	created := s.createdAt
	last := s.lastActivity
	s.mu.RUnlock()

	return Status{
		ID:           s.id,
		State:        state,
		CreatedAt:    created,
		LastActivity: last,
		Agents:       s.AgentStatuses(),
	}
}

// addAgent registers an agent entry. Fails on duplicate display names.
func (s *Session) addAgent(name string, id domain.AgentID, role domain.AgentRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[name]; exists {
		return domain.NewDomainError("Session.addAgent", domain.ErrDuplicate, name)
	}
	s.agents[name] = &agentEntry{name: name, id: id, role: role}
	return nil
}

// setHandle records the outcome of an agent launch.
func (s *Session) setHandle(name string, handle domain.AgentHandle, launchErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.agents[name]
	if !ok {
		return
	}
	entry.handle = handle
	if launchErr != nil {
		entry.launchErr = launchErr.Error()
	}
}

// handles returns the live launch handles.
func (s *Session) handles() []domain.AgentHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AgentHandle, 0, len(s.agents))
	for _, e := range s.agents {
		if e.handle != nil {
			out = append(out, e.handle)
		}
	}
	return out
}

// transition moves the lifecycle forward. Backward moves are ignored and
// reported false.
func (s *Session) transition(to State) bool {
	order := map[State]int{StateCreating: 0, StateActive: 1, StateDraining: 2, StateClosed: 3}
	s.mu.Lock()
	defer s.mu.Unlock()
	if order[to] <= order[s.state] {
		return false
	}
	s.state = to
	return true
}
