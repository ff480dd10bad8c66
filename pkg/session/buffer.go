package session

import (
	"sync"

	"github.com/propengine/kbengine/pkg/models"
)

// fallbackBuffer preserves messages whose durable append definitively
// failed, so they can be re-flushed opportunistically. Per-session
// capacity is bounded; once full, the oldest buffered message is dropped
// (the cache tier still holds the recent window).
type fallbackBuffer struct {
	mu       sync.Mutex
	capacity int
	pending  map[string][]models.Message
}

func newFallbackBuffer(capacity int) *fallbackBuffer {
	return &fallbackBuffer{
		capacity: capacity,
		pending:  make(map[string][]models.Message),
	}
}

func (b *fallbackBuffer) add(sessionID string, msg models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := append(b.pending[sessionID], msg)
	if len(queue) > b.capacity {
		queue = queue[len(queue)-b.capacity:]
	}
	b.pending[sessionID] = queue
}

// take removes and returns the session's buffered messages. Callers that
// fail to flush should put the remainder back via restore.
func (b *fallbackBuffer) take(sessionID string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pending[sessionID]
	delete(b.pending, sessionID)
	return queue
}

// restore prepends messages that could not be flushed.
func (b *fallbackBuffer) restore(sessionID string, messages []models.Message) {
	if len(messages) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := append(messages, b.pending[sessionID]...)
	if len(queue) > b.capacity {
		queue = queue[len(queue)-b.capacity:]
	}
	b.pending[sessionID] = queue
}

func (b *fallbackBuffer) size(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[sessionID])
}
