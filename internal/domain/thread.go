package domain

import "time"

// ThreadMessage is a single message in a thread. Seq establishes the total
// order of messages within one thread; there is no cross-thread ordering.
type ThreadMessage struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	Sender   string    `json:"sender"`
	Body     string    `json:"body"`
	Mentions []string  `json:"mentions,omitempty"`
	Seq      uint64    `json:"seq"`
	SentAt   time.Time `json:"sent_at"`
}

// Thread is an ordered, participant-scoped message channel within a session.
// Once Closed is set the thread is terminal: no messages, no participant
// changes, and Summary never changes again.
type Thread struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	Messages     []ThreadMessage `json:"messages"`
	Closed       bool            `json:"closed"`
	Summary      string          `json:"summary,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ThreadView is a resolved, copy-safe snapshot of a thread without the
// message log. Returned by list operations and snapshot frames.
type ThreadView struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	MessageCount int       `json:"message_count"`
	Closed       bool      `json:"closed"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
