// Package telegraph fans bus activity out to observers: the dashboard's
// SSE stream and chat platforms (Slack, Discord).
package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zulandar/agentbus/internal/observability"
)

// Event kinds.
const (
	KindConnected        = "connected"
	KindHeartbeat        = "heartbeat"
	KindMessageCreated   = "message.created"
	KindMessageDelivered = "message.delivered"
	KindDeliveryFailed   = "delivery.failed"
	KindRoutingDecision  = "routing.decision"
	KindRoutingFailure   = "routing.failure"
	KindTaskTransition   = "task.transition"
)

// Event is one notable thing that happened on the bus.
type Event struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	RunID     string    `json:"run_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Type      string    `json:"type,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Notifier receives bus events. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Sink is a named Notifier. The name labels failure metrics.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Multi delivers each event to every sink. A failing sink does not stop
// the others.
type Multi struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *observability.Metrics
}

// MultiOpts configures a Multi.
type MultiOpts struct {
	Sinks   []Sink
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewMulti creates a Multi.
func NewMulti(opts MultiOpts) *Multi {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Multi{sinks: opts.Sinks, logger: opts.Logger, metrics: opts.Metrics}
}

// Add appends a sink.
func (m *Multi) Add(name string, n Notifier) {
	m.sinks = append(m.sinks, Sink{Name: name, Notifier: n})
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Notify sends e to every sink and returns the joined sink errors.
func (m *Multi) Notify(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notifier.Notify(ctx, e); err != nil {
			m.metrics.NotificationFailed(s.Name)
			m.logger.Warn("notification failed", "sink", s.Name, "kind", e.Kind, "error", err)
			errs = append(errs, fmt.Errorf("telegraph: %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Important reports whether e is worth posting to a chat channel:
// routing failures, failed deliveries and tasks reaching a final or
// failed state.
func Important(e Event) bool {
	switch e.Kind {
	case KindRoutingFailure, KindDeliveryFailed:
		return true
	case KindTaskTransition:
		switch e.To {
		case "done", "failed", "cancelled":
			return true
		}
	}
	return false
}
