// Package mentions implements the per-session mention/notification engine.
//
// Each agent has an arrival-ordered queue of messages it was mentioned in
// but has not yet consumed. Wait drains the queue atomically: a message is
// delivered to exactly one waiter and is never lost while no waiter is
// blocked.
//
// Concurrent waiters for the same agent are served first-come-first-served:
// the earliest registered waiter receives the next drained batch, later
// waiters keep waiting their turn.
package mentions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// waiter is one suspended Wait call. The channel is buffered so delivery
// never blocks the notifier.
type waiter struct {
	ch chan []domain.ThreadMessage
}

type agentState struct {
	pending []domain.ThreadMessage
	waiters []*waiter // FIFO
}

// Engine tracks pending mentions per agent within one session.
type Engine struct {
	mu     sync.Mutex
	agents map[string]*agentState
	closed bool
	logger *slog.Logger
}

// NewEngine creates a mention engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		agents: make(map[string]*agentState),
		logger: logger,
	}
}

// Notify enqueues a message for every mentioned agent. Called by the thread
// store under its own serialization; per-agent arrival order is the thread
// send order.
func (e *Engine) Notify(agentID string, msg domain.ThreadMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	st := e.state(agentID)
	st.pending = append(st.pending, msg)

	// Hand the whole backlog to the earliest waiter, if any.
	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		batch := st.pending
		st.pending = nil
		w.ch <- batch
	}
}

// Wait blocks until at least one mention is pending for agentID or the
// timeout elapses, then drains and returns the full pending queue in
// arrival order. A pending backlog is returned immediately. On timeout it
// returns domain.ErrTimeout; on context cancellation the wait registration
// is released and ctx.Err() is returned. No registration outlives the call.
func (e *Engine) Wait(ctx context.Context, agentID string, timeout time.Duration) ([]domain.ThreadMessage, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, domain.NewDomainError("Mentions.Wait", domain.ErrSessionClosed, agentID)
	}

	st := e.state(agentID)
	if len(st.pending) > 0 && len(st.waiters) == 0 {
		batch := st.pending
		st.pending = nil
		e.mu.Unlock()
		return batch, nil
	}

	// Queue behind any earlier waiters even when a backlog exists; the
	// backlog belongs to the earliest waiter.
	w := &waiter{ch: make(chan []domain.ThreadMessage, 1)}
	st.waiters = append(st.waiters, w)
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case batch, ok := <-w.ch:
		if !ok {
			return nil, domain.NewDomainError("Mentions.Wait", domain.ErrSessionClosed, agentID)
		}
		return batch, nil
	case <-timer.C:
		e.remove(agentID, w)
		// A notification may have raced the timer; prefer delivery.
		select {
		case batch, ok := <-w.ch:
			if ok {
				return batch, nil
			}
		default:
		}
		return nil, domain.NewDomainError("Mentions.Wait", domain.ErrTimeout, agentID)
	case <-ctx.Done():
		e.remove(agentID, w)
		select {
		case batch, ok := <-w.ch:
			if ok {
				return batch, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Pending returns the number of undelivered mentions for agentID.
func (e *Engine) Pending(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[agentID]
	if !ok {
		return 0
	}
	return len(st.pending)
}

// Drop discards all state for an agent: its backlog and any suspended
// waiters (woken with a closed channel). Used when an agent leaves the
// session or its connection drops.
func (e *Engine) Drop(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[agentID]
	if !ok {
		return
	}
	for _, w := range st.waiters {
		close(w.ch)
	}
	delete(e.agents, agentID)
}

// Close wakes every suspended waiter with a session-closed outcome and
// rejects further notifications.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, st := range e.agents {
		for _, w := range st.waiters {
			close(w.ch)
		}
		delete(e.agents, id)
	}
}

// state returns (creating if needed) the per-agent state. Caller holds mu.
func (e *Engine) state(agentID string) *agentState {
	st, ok := e.agents[agentID]
	if !ok {
		st = &agentState{}
		e.agents[agentID] = st
	}
	return st
}

// remove unregisters a waiter if it is still queued. Caller must NOT hold mu.
func (e *Engine) remove(agentID string, target *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[agentID]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == target {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}
