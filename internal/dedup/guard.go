// Package dedup remembers recently processed message identifiers so that
// redelivered or overlapping-poll messages are ingested exactly once.
package dedup

import (
	"container/list"
	"sync"
)

// Guard is a capacity-bounded LRU set of message ids. The original
// processed-id set grew without bound over long uptimes; bounding it keeps
// memory flat while still covering every id the trailing search window can
// redeliver. Safe for concurrent use: the control API races the event loop.
type Guard struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recently seen
	entries  map[string]*list.Element // message id -> order element
}

// DefaultCapacity bounds the guard when no capacity is configured.
const DefaultCapacity = 10000

// NewGuard creates a guard holding at most capacity message ids
func NewGuard(capacity int) *Guard {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Guard{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Seen reports whether the message id has already been processed.
// Messages without an id are never deduplicated.
func (g *Guard) Seen(messageID string) bool {
	if messageID == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	elem, ok := g.entries[messageID]
	if ok {
		g.order.MoveToFront(elem)
	}
	return ok
}

// Record marks the message id as processed, evicting the least recently
// seen id when the guard is full
func (g *Guard) Record(messageID string) {
	if messageID == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, ok := g.entries[messageID]; ok {
		g.order.MoveToFront(elem)
		return
	}

	g.entries[messageID] = g.order.PushFront(messageID)

	if g.order.Len() > g.capacity {
		oldest := g.order.Back()
		g.order.Remove(oldest)
		delete(g.entries, oldest.Value.(string))
	}
}

// Len returns the number of remembered message ids
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}

// Clear discards all remembered message ids (administrative reset)
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.order.Init()
	g.entries = make(map[string]*list.Element)
}
