// Package router selects a recipient for each message by capability,
// records the decision in the event store and hands the message to the
// recipient's handler.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/registry"
)

// AgentID is the sender of routing decision and failure messages.
const AgentID = "router"

// Defaults for the delivery deduplication window.
const (
	DefaultDedupWindow   = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

var (
	// ErrAgentNotFound is not retryable: the target must be fixed first.
	ErrAgentNotFound = errors.New("router: agent not found")
	// ErrAgentUnavailable is retryable once the agent frees capacity.
	ErrAgentUnavailable = errors.New("router: agent unavailable")
	// ErrDeliveryFailed is retryable; the message is already stored.
	ErrDeliveryFailed = errors.New("router: delivery failed")
)

// Handler receives a message delivered to one agent.
type Handler func(ctx context.Context, msg *protocol.Message) error

// FallbackHandler receives deliveries for agents that registered no
// Handler of their own, such as agents polling a persisted inbox.
type FallbackHandler func(ctx context.Context, agentID string, msg *protocol.Message) error

// EventStore is the subset of the event store the router writes to.
type EventStore interface {
	Append(ctx context.Context, msg *protocol.Message) (*eventstore.Record, error)
}

// Registry is the subset of the agent registry the router reads.
type Registry interface {
	FindByCapabilities(requires, prefers []string) []registry.Candidate
	Get(agentID string) (registry.Agent, bool)
	IsAvailable(agentID string) bool
	IncrementTasks(agentID string) error
	DecrementTasks(agentID string) error
}

// Opts configures a Router.
type Opts struct {
	Store         EventStore
	Registry      Registry
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	DedupWindow   time.Duration
	SweepInterval time.Duration
	// DefaultHandler receives deliveries for agents with no registered
	// handler. When nil such deliveries fail as unavailable.
	DefaultHandler FallbackHandler
	Now            func() time.Time
}

// Router routes and delivers messages. Safe for concurrent use.
type Router struct {
	store          EventStore
	reg            Registry
	logger         *slog.Logger
	metrics        *observability.Metrics
	window         time.Duration
	sweepInterval  time.Duration
	defaultHandler FallbackHandler
	now            func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates a Router. Store and Registry are required.
func New(opts Opts) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("router: event store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("router: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		store:          opts.Store,
		reg:            opts.Registry,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		window:         opts.DedupWindow,
		sweepInterval:  opts.SweepInterval,
		defaultHandler: opts.DefaultHandler,
		now:            opts.Now,
		handlers:       make(map[string]Handler),
		dedup:          make(map[string]time.Time),
	}, nil
}

// RegisterHandler sets the handler for agentID, replacing any previous one.
func (r *Router) RegisterHandler(agentID string, h Handler) {
	r.handlersMu.Lock()
	r.handlers[agentID] = h
	r.handlersMu.Unlock()
}

// UnregisterHandler removes agentID's handler.
func (r *Router) UnregisterHandler(agentID string) {
	r.handlersMu.Lock()
	delete(r.handlers, agentID)
	r.handlersMu.Unlock()
}

func (r *Router) handler(agentID string) Handler {
	r.handlersMu.RLock()
	h, ok := r.handlers[agentID]
	r.handlersMu.RUnlock()
	if ok {
		return h
	}
	if r.defaultHandler == nil {
		return nil
	}
	fallback := r.defaultHandler
	return func(ctx context.Context, msg *protocol.Message) error {
		return fallback(ctx, agentID, msg)
	}
}

// Start schedules the periodic dedup sweep. Calling Start twice is a no-op.
func (r *Router) Start() {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return
	}
	r.cron = cron.New()
	r.cron.Schedule(cron.Every(r.sweepInterval), cron.FuncJob(func() {
		if n := r.SweepDedup(r.now()); n > 0 {
			r.logger.Debug("dedup sweep", "removed", n)
		}
	}))
	r.cron.Start()
	r.logger.Info("router started", "dedup_window", r.window, "sweep_interval", r.sweepInterval)
}

// Stop halts the sweep and waits for a running sweep to finish.
func (r *Router) Stop() {
	r.cronMu.Lock()
	c := r.cron
	r.cron = nil
	r.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// SweepDedup removes dedup entries older than the window relative to now
// and returns how many were removed. Entries stamped at or after the
// cutoff survive, including ones written while the sweep waits for the
// lock.
func (r *Router) SweepDedup(now time.Time) int {
	cutoff := now.Add(-r.window)
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	removed := 0
	for k, at := range r.dedup {
		if at.Before(cutoff) {
			delete(r.dedup, k)
			removed++
		}
	}
	r.metrics.DedupEntries(len(r.dedup))
	return removed
}

// DedupEntries returns the number of keys currently held.
func (r *Router) DedupEntries() int {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	return len(r.dedup)
}

// DedupKey is the delivery dedup key of msg: its run plus the idempotency
// key, or the message id when no key is set.
func DedupKey(msg *protocol.Message) string {
	k := msg.IdempotencyKey
	if k == "" {
		k = msg.ID
	}
	return msg.RunID + ":" + k
}
