package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/tracer"
	"github.com/re-minder/PRSummarizer.ai/internal/registry"
	"github.com/re-minder/PRSummarizer.ai/internal/runtime"
)

// ManagerConfig holds session lifecycle settings.
type ManagerConfig struct {
	// BaseURL is the externally reachable tool endpoint prefix; the
	// per-agent connection URL is derived from it.
	BaseURL string
	// DrainGrace is the window between Draining and Closed during which
	// in-flight mention waits may still complete.
	DrainGrace time.Duration
}

// Manager owns all sessions on this server.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	waiters  map[string][]chan *Session

	registry *registry.Registry
	runtimes *runtime.Set
	cfg      ManagerConfig
	logger   *slog.Logger
	entropy  *ulid.MonotonicEntropy

	closing sync.WaitGroup // in-flight drain goroutines
}

// NewManager creates a session manager.
func NewManager(reg *registry.Registry, runtimes *runtime.Set, cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		waiters:  make(map[string][]chan *Session),
		registry: reg,
		runtimes: runtimes,
		cfg:      cfg,
		logger:   logger,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (m *Manager) newID(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return prefix + "_" + ulid.MustNew(ulid.Now(), m.entropy).String()
}

// resolvedAgent is a graph node after registry validation.
type resolvedAgent struct {
	graph   domain.GraphAgent
	def     domain.AgentDefinition
	options map[string]any
}

// CreateSession validates the whole agent graph against the registry and,
// only if every node resolves, creates the session and starts the launches
// asynchronously. Validation is all-or-nothing: a single unknown agent or
// bad option aborts without side effects. Launch failures do not: they
// leave the session active with the failure recorded on the agent.
func (m *Manager) CreateSession(ctx context.Context, applicationID, privacyKey string, graph domain.AgentGraph) (*Session, error) {
	ctx, span := tracer.StartSpan(ctx, "session.create")
	defer span.End()

	s, err := m.createSession(ctx, applicationID, privacyKey, graph)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.SessionAttr(s.id))
	return s, nil
}

func (m *Manager) createSession(ctx context.Context, applicationID, privacyKey string, graph domain.AgentGraph) (*Session, error) {
	const op = "SessionManager.CreateSession"

	resolved := make([]resolvedAgent, 0, len(graph.Agents))
	names := make(map[string]bool, len(graph.Agents))
	for _, ga := range graph.Agents {
		name := ga.Name
		if name == "" {
			name = ga.ID.Name
		}
		if names[name] {
			return nil, domain.NewSubSystemError("session", op,
				domain.ErrDuplicate, fmt.Sprintf("agent name %q used twice", name))
		}
		names[name] = true

		def, err := m.registry.Get(ga.ID)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		options, err := m.registry.ValidateOptions(ga.ID, ga.Options)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		ga.Name = name
		resolved = append(resolved, resolvedAgent{graph: ga, def: def, options: options})
	}

	s := newSession(m.newID("ses"), applicationID, m.logger)
	for _, ra := range resolved {
		if err := s.addAgent(ra.graph.Name, ra.graph.ID, domain.RoleParticipant); err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	waiters := m.waiters[s.id]
	delete(m.waiters, s.id)
	m.mu.Unlock()

	s.bus.Publish(ctx, domain.NewEvent(domain.EventSessionCreated, s.id, s.Snapshot()))
	m.logger.Info("session created",
		"session_id", s.id, "application_id", applicationID, "agents", len(resolved))

	go m.launchAll(s, privacyKey, resolved)

	for _, ch := range waiters {
		ch <- s
	}
	return s, nil
}

// launchAll starts every agent of a new session, then activates it. Each
// failure is recorded on its agent and published; the session stays usable.
func (m *Manager) launchAll(s *Session, privacyKey string, resolved []resolvedAgent) {
	var wg sync.WaitGroup
	for _, ra := range resolved {
		wg.Add(1)
		go func(ra resolvedAgent) {
			defer wg.Done()
			m.launchOne(s, privacyKey, ra)
		}(ra)
	}
	wg.Wait()

	if s.transition(StateActive) {
		s.bus.Publish(context.Background(), domain.NewEvent(domain.EventSessionActive, s.id, s.Snapshot()))
	}
}

func (m *Manager) launchOne(s *Session, privacyKey string, ra resolvedAgent) {
	params := domain.RuntimeParams{
		SessionID:     s.id,
		ApplicationID: s.applicationID,
		PrivacyKey:    privacyKey,
		Definition:    ra.def,
		Name:          ra.graph.Name,
		SystemPrompt:  ra.graph.SystemPrompt,
		Options:       ra.options,
		ConnectionURL: m.connectionURL(s.id, ra.graph.Name),
	}

	launchCtx, span := tracer.StartSpan(context.Background(), "agent.launch")
	defer span.End()
	span.SetAttributes(tracer.SessionAttr(s.id))

	rt, err := m.runtimes.ForKind(ra.def.Runtime.Kind)
	if err == nil {
		var handle domain.AgentHandle
		handle, err = rt.Launch(launchCtx, params)
		if err == nil {
			s.setHandle(ra.graph.Name, handle, nil)
			s.bus.Publish(context.Background(), domain.NewEvent(domain.EventAgentRegistered, s.id,
				map[string]string{"agent": ra.graph.Name, "id": ra.graph.ID.String()}))
			go m.watchAgent(s, ra.graph.Name, handle)
			return
		}
	}

	tracer.RecordError(span, err)
	s.setHandle(ra.graph.Name, nil, err)
	s.bus.Publish(context.Background(), domain.NewEvent(domain.EventAgentLaunchFailed, s.id,
		map[string]string{"agent": ra.graph.Name, "error": err.Error()}))
	m.logger.Error("agent launch failed",
		"session_id", s.id, "agent", ra.graph.Name, "error", err)
}

// watchAgent drains an agent's log stream into the server log and marks
// the agent disconnected when it terminates.
func (m *Manager) watchAgent(s *Session, name string, handle domain.AgentHandle) {
	for line := range handle.Logs() {
		m.logger.Debug("agent output",
			"session_id", s.id, "agent", name, "stream", line.Stream, "text", line.Text)
	}
	<-handle.Done()
	if s.State() == StateClosed {
		return
	}
	s.Mentions().Drop(name)
	if err := s.MarkConnected(name, false); err == nil {
		m.logger.Info("agent terminated", "session_id", s.id, "agent", name)
	}
}

// connectionURL builds the per-agent tool endpoint URL injected into the
// agent's environment.
func (m *Manager) connectionURL(sessionID, agentName string) string {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("agentId", agentName)
	return m.cfg.BaseURL + "/sse?" + q.Encode()
}

// Get returns a session by id, or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns status snapshots for all sessions, newest first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// WaitForSession blocks until the session exists or the timeout elapses.
// A timeout is not an error: it returns (nil, nil) so pollers can
// distinguish "not yet" from a failed wait.
func (m *Manager) WaitForSession(ctx context.Context, id string, timeout time.Duration) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	ch := make(chan *Session, 1)
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		return s, nil
	case <-timer.C:
		m.removeWaiter(id, ch)
		select {
		case s := <-ch:
			return s, nil
		default:
		}
		return nil, nil
	case <-ctx.Done():
		m.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (m *Manager) removeWaiter(id string, target chan *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.waiters[id]
	for i, ch := range chans {
		if ch == target {
			m.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

// RegisterDebugAgent adds a read-only observer to a session and returns
// its generated name. Observers can subscribe to events and read threads
// but never appear as participants.
func (m *Manager) RegisterDebugAgent(ctx context.Context, sessionID string) (string, error) {
	const op = "SessionManager.RegisterDebugAgent"

	s, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	if err := s.Writable(); err != nil {
		return "", domain.WrapOp(op, err)
	}

	name := m.newID("debug")
	if err := s.addAgent(name, domain.AgentID{}, domain.RoleObserver); err != nil {
		return "", domain.WrapOp(op, err)
	}
	s.Touch()

	s.bus.Publish(ctx, domain.NewEvent(domain.EventDebugAgentRegistered, sessionID,
		map[string]string{"agent": name}))
	m.logger.Info("debug agent registered", "session_id", sessionID, "agent", name)
	return name, nil
}

// CloseSession starts the drain for a session: the state flips to Draining
// immediately, then after the configured grace the agents are stopped,
// mention waiters are woken, and the bus is closed. Closing a session that
// is already draining or closed is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "session.close")
	defer span.End()
	span.SetAttributes(tracer.SessionAttr(id))

	s, err := m.Get(id)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if !s.transition(StateDraining) {
		return nil
	}

	s.bus.Publish(ctx, domain.NewEvent(domain.EventSessionDraining, id, s.Snapshot()))
	m.logger.Info("session draining", "session_id", id, "grace", m.cfg.DrainGrace)

	m.closing.Add(1)
	go func() {
		defer m.closing.Done()
		if m.cfg.DrainGrace > 0 {
			time.Sleep(m.cfg.DrainGrace)
		}
		m.finishClose(s)
	}()
	return nil
}

// finishClose stops agents and tears down the session's messaging state.
func (m *Manager) finishClose(s *Session) {
	for _, h := range s.handles() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := h.Stop(stopCtx); err != nil {
			m.logger.Warn("agent stop timed out",
				"session_id", s.id, "agent", h.AgentName(), "error", err)
		}
		cancel()
	}

	s.mentions.Close()
	s.bus.Publish(context.Background(), domain.NewEvent(domain.EventSessionClosed, s.id, s.Snapshot()))
	s.transition(StateClosed)
	s.bus.Close()

	// Closed is terminal: evict the id so Get stops resolving it and the
	// manager does not accumulate dead sessions.
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.logger.Info("session closed", "session_id", s.id)
}

// Shutdown drains every open session with no grace and waits for all
// in-flight closes, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.transition(StateDraining) {
			m.closing.Add(1)
			go func(s *Session) {
				defer m.closing.Done()
				m.finishClose(s)
			}(s)
		}
	}

	done := make(chan struct{})
	go func() {
		m.closing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepIdle closes active sessions whose last activity is older than ttl.
// Returns the ids of the sessions it started draining.
func (m *Manager) SweepIdle(ctx context.Context, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.State() == StateActive && s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	var ids []string
	for _, s := range idle {
		if err := m.CloseSession(ctx, s.id); err == nil {
			ids = append(ids, s.id)
			m.logger.Info("idle session swept", "session_id", s.id)
		}
	}
	return ids
}
