package eventstore

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/zulandar/agentbus/internal/protocol"
)

// ErrSubscriptionClosed is returned by Next once a subscription is closed
// and its queue drained.
var ErrSubscriptionClosed = errors.New("eventstore: subscription closed")

// Subscription receives messages appended after it was opened that match
// its filter. The queue is unbounded, so a slow reader never blocks
// appends.
type Subscription struct {
	store  *Store
	filter Filter

	mu     sync.Mutex
	queue  []*protocol.Message
	closed bool

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe opens a live subscription. No history is replayed. Cancelling
// ctx closes the subscription.
func (s *Store) Subscribe(ctx context.Context, f Filter) *Subscription {
	sub := &Subscription{
		store:  s,
		filter: f,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	s.metrics.SubscriberDelta(1)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

// publish enqueues msg on every matching subscription. Called with
// appendMu held, so every queue sees appends in seq order.
func (s *Store) publish(msg *protocol.Message) {
	s.subsMu.Lock()
	targets := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		if sub.filter.Match(msg) {
			targets = append(targets, sub)
		}
	}
	s.subsMu.Unlock()

	for _, sub := range targets {
		sub.push(msg.Clone())
	}
}

func (sub *Subscription) push(msg *protocol.Message) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, msg)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a message is queued, ctx ends, or the subscription
// is closed and drained.
func (sub *Subscription) Next(ctx context.Context) (*protocol.Message, error) {
	for {
		sub.mu.Lock()
		if len(sub.queue) > 0 {
			msg := sub.queue[0]
			sub.queue[0] = nil
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return msg, nil
		}
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return nil, ErrSubscriptionClosed
		}

		select {
		case <-sub.signal:
		case <-sub.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// All yields messages until ctx ends or the subscription closes. The
// subscription is closed when iteration stops.
func (sub *Subscription) All(ctx context.Context) iter.Seq[*protocol.Message] {
	return func(yield func(*protocol.Message) bool) {
		defer sub.Close()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Close deregisters the subscription. Already queued messages can still
// be read with Next. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.store.subsMu.Lock()
		delete(sub.store.subs, sub)
		sub.store.subsMu.Unlock()
		sub.store.metrics.SubscriberDelta(-1)

		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		close(sub.done)
	})
}
