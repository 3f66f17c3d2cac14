package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// DeliveryResult is the outcome of delivering one message to one agent.
type DeliveryResult struct {
	Success      bool
	AgentID      string
	MessageID    string
	Deduplicated bool
	Retryable    bool
	Err          error
}

// Deliver stores msg and invokes agentID's handler. A repeat delivery of
// the same dedup key within the window succeeds without calling the
// handler again. Concurrent deliveries of one key are serialized by
// claiming the key first; any failure releases the claim so a retry
// reaches the handler.
func (r *Router) Deliver(ctx context.Context, msg *protocol.Message, agentID string) DeliveryResult {
	ctx, span := observability.StartSpan(ctx, "router.deliver",
		attribute.String("message.id", msg.ID),
		attribute.String("agent.id", agentID),
	)
	defer span.End()

	res := DeliveryResult{AgentID: agentID, MessageID: msg.ID}
	key := DedupKey(msg)

	claimedAt, fresh := r.claim(key)
	if !fresh {
		res.Success = true
		res.Deduplicated = true
		r.metrics.Delivery("deduplicated")
		r.logger.Debug("delivery deduplicated", "message_id", msg.ID, "agent_id", agentID, "key", key)
		return res
	}

	fail := func(outcome string, retryable bool, err error) DeliveryResult {
		r.release(key, claimedAt)
		res.Retryable = retryable
		res.Err = err
		observability.RecordError(span, err)
		r.metrics.Delivery(outcome)
		r.logger.Warn("delivery failed", "message_id", msg.ID, "agent_id", agentID, "retryable", retryable, "error", err)
		return res
	}

	if _, ok := r.reg.Get(agentID); !ok {
		return fail("not_found", false, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID))
	}
	if !r.reg.IsAvailable(agentID) {
		return fail("unavailable", true, fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID))
	}
	h := r.handler(agentID)
	if h == nil {
		return fail("unavailable", true, fmt.Errorf("%w: %s has no handler", ErrAgentUnavailable, agentID))
	}
	if _, err := r.store.Append(ctx, msg); err != nil {
		return fail("failed", true, fmt.Errorf("router: deliver %s to %s: %w", msg.ID, agentID, err))
	}

	if err := r.reg.IncrementTasks(agentID); err != nil {
		return fail("not_found", false, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID))
	}
	if err := invoke(ctx, h, msg); err != nil {
		if derr := r.reg.DecrementTasks(agentID); derr != nil {
			r.logger.Debug("release in-flight slot", "agent_id", agentID, "error", derr)
		}
		return fail("failed", true, fmt.Errorf("%w: %s to %s: %w", ErrDeliveryFailed, msg.ID, agentID, err))
	}

	res.Success = true
	r.metrics.Delivery("delivered")
	r.logger.Debug("message delivered", "message_id", msg.ID, "agent_id", agentID)
	return res
}

// Broadcast delivers an independent copy of msg, with a fresh id, to each
// agent. One result per agent, in order.
func (r *Router) Broadcast(ctx context.Context, msg *protocol.Message, agentIDs []string) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(agentIDs))
	for _, id := range agentIDs {
		results = append(results, r.Deliver(ctx, broadcastCopy(msg, id), id))
	}
	return results
}

func broadcastCopy(msg *protocol.Message, agentID string) *protocol.Message {
	c := msg.Clone()
	c.ID = protocol.NewMessageID()
	c.To = []protocol.AgentRef{{AgentID: agentID}}
	if c.IdempotencyKey != "" {
		c.IdempotencyKey += ":" + agentID
	}
	return c
}

// invoke calls h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, msg *protocol.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, msg)
}

// claim records key at the current time unless it was recorded within
// the window. It returns the stamp written so release only undoes its
// own claim.
func (r *Router) claim(key string) (time.Time, bool) {
	now := r.now()
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if at, ok := r.dedup[key]; ok && now.Sub(at) < r.window {
		return at, false
	}
	r.dedup[key] = now
	r.metrics.DedupEntries(len(r.dedup))
	return now, true
}

func (r *Router) release(key string, stamp time.Time) {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if at, ok := r.dedup[key]; ok && at.Equal(stamp) {
		delete(r.dedup, key)
		r.metrics.DedupEntries(len(r.dedup))
	}
}

// IsRetryable reports whether err from a delivery may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAgentUnavailable) || errors.Is(err, ErrDeliveryFailed)
}
