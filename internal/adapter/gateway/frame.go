package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over an observer websocket.
type FrameType string

const (
	FrameTypeSnapshot FrameType = "snapshot"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope pushed to connected observers. Snapshot frames
// carry the session state at connect time; event frames carry live bus
// events.
type Frame struct {
	Type    FrameType       `json:"type"`
	Method  string          `json:"method,omitempty"` // snapshot kind or event type
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newFrame(t FrameType, method string, payload any) Frame {
	f := Frame{Type: t, Method: method}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			f.Payload = data
		}
	}
	return f
}
