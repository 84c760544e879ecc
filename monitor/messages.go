package monitor

import (
	"sync"

	"github.com/fabricmon/console/fabric"
)

// PendingMessage is one inbound fabric message buffered for a session,
// tagged with the effective topic the session should treat it as arriving
// on (for replies, the topic of the original request rather than the
// private reply channel).
type PendingMessage struct {
	Topic   string
	Message *fabric.Message
}

// PendingMessages holds the per-session FIFO buffers of inbound messages.
// Reading never drains a buffer; only Clear empties it. A session's buffer
// exists (possibly empty) from its first enqueue or clear until Drop.
type PendingMessages struct {
	mu     sync.Mutex
	queues map[string][]PendingMessage
}

func NewPendingMessages() *PendingMessages {
	return &PendingMessages{queues: make(map[string][]PendingMessage)}
}

// Enqueue appends to the session's queue, creating it if absent.
func (p *PendingMessages) Enqueue(sessionID string, m PendingMessage) {
	p.mu.Lock()
	p.queues[sessionID] = append(p.queues[sessionID], m)
	p.mu.Unlock()
}

// PeekAll returns a copy of the session's queue in enqueue order without
// mutating it. The second return is false when the session has never
// enqueued or cleared, which callers must distinguish from an empty queue.
func (p *PendingMessages) PeekAll(sessionID string) ([]PendingMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]PendingMessage, len(q))
	copy(out, q)
	return out, true
}

// Clear resets the session's queue to empty, creating the entry if absent.
func (p *PendingMessages) Clear(sessionID string) {
	p.mu.Lock()
	p.queues[sessionID] = []PendingMessage{}
	p.mu.Unlock()
}

// Drop removes the session's queue entirely. Used when the owning session
// is evicted so stale buffers do not accumulate forever.
func (p *PendingMessages) Drop(sessionID string) {
	p.mu.Lock()
	delete(p.queues, sessionID)
	p.mu.Unlock()
}

// Len reports how many sessions currently have a queue.
func (p *PendingMessages) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}
