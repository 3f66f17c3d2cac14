package telegraph

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub broadcasts events to in-process listeners such as SSE clients.
// Slow listeners miss events rather than stall the bus.
type Hub struct {
	mu      sync.RWMutex
	next    uint64
	subs    map[uint64]chan Event
	dropped atomic.Int64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a listener with the given buffer. The returned
// cancel func unregisters it and closes the channel; it is safe to call
// more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Notify implements Notifier. It never blocks and never fails.
func (h *Hub) Notify(_ context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events listeners missed.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
