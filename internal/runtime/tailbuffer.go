package runtime

import "sync"

// tailBuffer is a goroutine-safe, bounded byte buffer that keeps only the
// most recent writes. Used to retain the tail of an agent's stderr for exit
// diagnostics.
type tailBuffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer; old data is dropped once max is exceeded.
func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.data = append(tb.data, p...)
	if len(tb.data) > tb.max {
		tb.data = tb.data[len(tb.data)-tb.max:]
	}
	return len(p), nil
}

// String returns the retained content.
func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return string(tb.data)
}
