package taskstate

import (
	"sync"
	"sync/atomic"
)

// Machine broadcasts confirmed transitions to subscribers. Notify never
// blocks: a subscriber whose buffer is full misses the transition and the
// miss is counted.
type Machine struct {
	mu      sync.RWMutex
	subs    map[int]chan Transition
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewMachine returns a Machine with no subscribers.
func NewMachine() *Machine {
	return &Machine{subs: make(map[int]chan Transition)}
}

// Subscribe returns a channel of future transitions and a function that
// unsubscribes and closes the channel.
func (m *Machine) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Transition, buffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
			m.mu.Unlock()
		})
	}
}

// Notify delivers t to every subscriber with room in its buffer.
func (m *Machine) Notify(t Transition) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped for full buffers.
func (m *Machine) Dropped() int64 {
	return m.dropped.Load()
}

// Close closes every subscriber channel. Later Subscribe calls get a
// closed channel.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}
