// Package eventbus provides the per-session broadcast bus. Every session
// owns exactly one Bus; there is no cross-session event traffic.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// streamSub is an independently-buffered channel subscriber. A full buffer
// drops the oldest event for this subscriber only; publication never blocks.
type streamSub struct {
	id     uint64
	ch     chan domain.Event
	mu     sync.Mutex // guards closed and the drop-oldest dance on ch
	closed bool
}

// Bus is an in-process, goroutine-safe broadcast bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	streams []*streamSub
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans an event out to matching typed subscribers, all-event
// subscribers, and stream subscribers. Handlers each run in their own
// goroutine (panicking handlers are recovered); streams get a non-blocking
// send with drop-oldest overflow.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	typed := make([]subscription, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	streams := make([]*streamSub, len(b.streams))
	copy(streams, b.streams)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(ctx, event, sub)
	}
	for _, st := range streams {
		st.send(event)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

func (st *streamSub) send(event domain.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	for {
		select {
		case st.ch <- event:
			return
		default:
		}
		// Buffer full: evict the oldest entry and retry. Only this
		// subscriber loses events; the publisher never waits.
		select {
		case <-st.ch:
		default:
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Stream returns a buffered event channel with an independent cursor. The
// cancel function releases the subscription and closes the channel; it is
// idempotent. After Close the returned channel is already closed.
func (b *Bus) Stream(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	st := &streamSub{
		id: b.nextID.Add(1),
		ch: make(chan domain.Event, buffer),
	}

	if b.closed.Load() {
		close(st.ch)
		return st.ch, func() {}
	}

	b.mu.Lock()
	b.streams = append(b.streams, st)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.streams {
				if s.id == st.id {
					b.streams = append(b.streams[:i], b.streams[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			st.mu.Lock()
			if !st.closed {
				st.closed = true
				close(st.ch)
			}
			st.mu.Unlock()
		})
	}
	return st.ch, cancel
}

// Close prevents new publishes, waits for in-flight handlers, and closes
// all stream channels. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()

	b.mu.Lock()
	streams := b.streams
	b.streams = nil
	b.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		if !st.closed {
			st.closed = true
			close(st.ch)
		}
		st.mu.Unlock()
	}
}
