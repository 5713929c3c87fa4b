// Package threads implements the per-session thread store: participant
// sets, ordered message logs, and the close-once lifecycle.
package threads

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/usecase/mentions"
)

// KnownAgents resolves whether an agent name is a participant-capable
// member of the owning session. The session manager supplies it so the
// store never reaches back into session state.
type KnownAgents func(agentID string) bool

// Store holds all threads of one session. Every mutation is serialized by
// the store mutex so sequence-number assignment and participant changes
// are linearizable; reads return deep copies.
type Store struct {
	mu        sync.RWMutex
	threads   map[string]*domain.Thread
	known     KnownAgents
	engine    *mentions.Engine
	bus       domain.EventBus
	sessionID string
	logger    *slog.Logger
	entropy   *ulid.MonotonicEntropy
}

// NewStore creates a thread store bound to its session's mention engine
// and event bus.
func NewStore(sessionID string, known KnownAgents, engine *mentions.Engine, bus domain.EventBus, logger *slog.Logger) *Store {
	return &Store{
		threads:   make(map[string]*domain.Thread),
		known:     known,
		engine:    engine,
		bus:       bus,
		sessionID: sessionID,
		logger:    logger,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Store) newID(prefix string) string {
	return prefix + "_" + ulid.MustNew(ulid.Now(), s.entropy).String()
}

// CreateThread creates a thread with the given non-empty participant set.
// Every participant must be an agent known to the session.
func (s *Store) CreateThread(ctx context.Context, participants []string) (string, error) {
	if len(participants) == 0 {
		return "", domain.NewSubSystemError("threads", "ThreadStore.CreateThread",
			domain.ErrInvalidInput, "participants must not be empty")
	}

	seen := make(map[string]bool, len(participants))
	deduped := make([]string, 0, len(participants))
	for _, p := range participants {
		if !s.known(p) {
			return "", domain.NewSubSystemError("threads", "ThreadStore.CreateThread",
				domain.ErrUnknownAgent, p)
		}
		if !seen[p] {
			seen[p] = true
			deduped = append(deduped, p)
		}
	}

	s.mu.Lock()
	id := s.newID("thr")
	s.threads[id] = &domain.Thread{
		ID:           id,
		Participants: deduped,
		CreatedAt:    time.Now(),
	}
	s.mu.Unlock()

	s.logger.Debug("thread created", "session_id", s.sessionID, "thread_id", id, "participants", deduped)
	s.bus.Publish(ctx, domain.NewEvent(domain.EventThreadCreated, s.sessionID, domain.ThreadView{
		ID:           id,
		Participants: deduped,
		CreatedAt:    time.Now(),
	}))
	return id, nil
}

// AddParticipant adds an agent to an open thread. Adding an existing
// participant is a no-op.
func (s *Store) AddParticipant(ctx context.Context, threadID, agentID string) error {
	if !s.known(agentID) {
		return domain.NewSubSystemError("threads", "ThreadStore.AddParticipant",
			domain.ErrUnknownAgent, agentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thr, ok := s.threads[threadID]
	if !ok {
		return domain.NewSubSystemError("threads", "ThreadStore.AddParticipant",
			domain.ErrNotFound, threadID)
	}
	if thr.Closed {
		return domain.NewSubSystemError("threads", "ThreadStore.AddParticipant",
			domain.ErrThreadClosed, threadID)
	}
	for _, p := range thr.Participants {
		if p == agentID {
			return nil
		}
	}
	thr.Participants = append(thr.Participants, agentID)
	return nil
}

// RemoveParticipant removes an agent from an open thread. Removing an
// agent that is not a participant is an idempotent no-op.
func (s *Store) RemoveParticipant(ctx context.Context, threadID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thr, ok := s.threads[threadID]
	if !ok {
		return domain.NewSubSystemError("threads", "ThreadStore.RemoveParticipant",
			domain.ErrNotFound, threadID)
	}
	if thr.Closed {
		return domain.NewSubSystemError("threads", "ThreadStore.RemoveParticipant",
			domain.ErrThreadClosed, threadID)
	}
	for i, p := range thr.Participants {
		if p == agentID {
			thr.Participants = append(thr.Participants[:i], thr.Participants[i+1:]...)
			return nil
		}
	}
	return nil
}

// SendMessage appends a message to an open thread. The sender and every
// mentioned agent must be current participants. On success the message is
// enqueued for each mentioned agent and a MessageSent event is published.
func (s *Store) SendMessage(ctx context.Context, threadID, senderID, body string, mentionIDs []string) (domain.ThreadMessage, error) {
	s.mu.Lock()

	thr, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return domain.ThreadMessage{}, domain.NewSubSystemError("threads", "ThreadStore.SendMessage",
			domain.ErrNotFound, threadID)
	}
	if thr.Closed {
		s.mu.Unlock()
		return domain.ThreadMessage{}, domain.NewSubSystemError("threads", "ThreadStore.SendMessage",
			domain.ErrThreadClosed, threadID)
	}

	members := make(map[string]bool, len(thr.Participants))
	for _, p := range thr.Participants {
		members[p] = true
	}
	if !members[senderID] {
		s.mu.Unlock()
		return domain.ThreadMessage{}, domain.NewSubSystemError("threads", "ThreadStore.SendMessage",
			domain.ErrNotParticipant, fmt.Sprintf("sender %s", senderID))
	}
	for _, m := range mentionIDs {
		if !members[m] {
			s.mu.Unlock()
			return domain.ThreadMessage{}, domain.NewSubSystemError("threads", "ThreadStore.SendMessage",
				domain.ErrNotParticipant, fmt.Sprintf("mention %s", m))
		}
	}

	msg := domain.ThreadMessage{
		ID:       s.newID("msg"),
		ThreadID: threadID,
		Sender:   senderID,
		Body:     body,
		Mentions: append([]string(nil), mentionIDs...),
		Seq:      uint64(len(thr.Messages)) + 1,
		SentAt:   time.Now(),
	}
	thr.Messages = append(thr.Messages, msg)

	// Enqueue mentions and publish while still holding the store lock:
	// per-agent arrival order and event publication order must both match
	// the thread's sequence order. Publish never blocks on a subscriber,
	// so holding the mutex across it is safe.
	for _, m := range mentionIDs {
		s.engine.Notify(m, msg)
	}
	s.bus.Publish(ctx, domain.NewEvent(domain.EventMessageSent, s.sessionID, msg))
	s.mu.Unlock()

	return msg, nil
}

// CloseThread marks a thread closed with a set-once summary. Closing is
// terminal: any later mutation fails with ErrThreadClosed, including a
// second close.
func (s *Store) CloseThread(ctx context.Context, threadID, summary string) error {
	s.mu.Lock()
	thr, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return domain.NewSubSystemError("threads", "ThreadStore.CloseThread",
			domain.ErrNotFound, threadID)
	}
	if thr.Closed {
		s.mu.Unlock()
		return domain.NewSubSystemError("threads", "ThreadStore.CloseThread",
			domain.ErrThreadClosed, threadID)
	}
	thr.Closed = true
	thr.Summary = summary
	// Publish under the lock so no message.sent from a racing sender can
	// land after this thread's closed event.
	s.bus.Publish(ctx, domain.NewEvent(domain.EventThreadClosed, s.sessionID, viewOf(thr)))
	s.mu.Unlock()

	s.logger.Debug("thread closed", "session_id", s.sessionID, "thread_id", threadID)
	return nil
}

// GetThread returns a deep copy of a thread, message log included.
func (s *Store) GetThread(threadID string) (domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thr, ok := s.threads[threadID]
	if !ok {
		return domain.Thread{}, domain.NewSubSystemError("threads", "ThreadStore.GetThread",
			domain.ErrNotFound, threadID)
	}
	cp := *thr
	cp.Participants = append([]string(nil), thr.Participants...)
	cp.Messages = append([]domain.ThreadMessage(nil), thr.Messages...)
	return cp, nil
}

// ListThreads returns snapshot views of all threads, sorted by creation
// order (thread ids are ULIDs, so lexical order is creation order).
func (s *Store) ListThreads() []domain.ThreadView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]domain.ThreadView, 0, len(s.threads))
	for _, thr := range s.threads {
		views = append(views, viewOf(thr))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

func viewOf(thr *domain.Thread) domain.ThreadView {
	return domain.ThreadView{
		ID:           thr.ID,
		Participants: append([]string(nil), thr.Participants...),
		MessageCount: len(thr.Messages),
		Closed:       thr.Closed,
		Summary:      thr.Summary,
		CreatedAt:    thr.CreatedAt,
	}
}
