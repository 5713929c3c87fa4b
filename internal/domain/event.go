package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventSessionCreated  EventType = "session.created"
	EventSessionActive   EventType = "session.active"
	EventSessionDraining EventType = "session.draining"
	EventSessionClosed   EventType = "session.closed"

	EventAgentRegistered      EventType = "agent.registered"
	EventAgentConnected       EventType = "agent.connected"
	EventAgentDisconnected    EventType = "agent.disconnected"
	EventAgentLaunchFailed    EventType = "agent.launch.failed"
	EventDebugAgentRegistered EventType = "debug.agent.registered"

	EventThreadCreated EventType = "thread.created"
	EventThreadClosed  EventType = "thread.closed"
	EventMessageSent   EventType = "message.sent"

	EventPeerDegraded  EventType = "peer.degraded"
	EventPeerRecovered EventType = "peer.recovered"
)

// Event is the envelope published on a session's event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the per-session publish/subscribe channel. Publication never
// blocks on any subscriber; every subscriber observes events for a given
// thread in publication order.
type EventBus interface {
	// Publish fans an event out to all subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Stream returns an independently-buffered event channel for socket
	// fan-out. A full buffer drops the oldest event for that subscriber
	// only. The returned cancel function releases the subscription and
	// closes the channel.
	Stream(buffer int) (<-chan Event, func())
	// Close drains in-flight handlers, closes stream channels, and
	// rejects further publishes.
	Close()
}

// NewEvent builds an event envelope with a marshalled payload. Marshal
// failures yield an envelope without payload; events are best-effort
// observability, never a reason to fail the triggering operation.
func NewEvent(eventType EventType, sessionID string, payload any) Event {
	e := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}
