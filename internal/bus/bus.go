// Package bus composes the event store, agent registry, router and task
// store into the message bus agents publish to.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/agentbus/internal/agentdir"
	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/messaging"
	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/registry"
	"github.com/zulandar/agentbus/internal/router"
	"github.com/zulandar/agentbus/internal/task"
	"github.com/zulandar/agentbus/internal/taskstate"
	"github.com/zulandar/agentbus/internal/telegraph"
	"gorm.io/gorm"
)

const (
	// DefaultStaleAfter is how long an agent may go without a heartbeat
	// before a refresh marks it offline.
	DefaultStaleAfter = 2 * time.Minute
	// DefaultRefreshInterval is how often the registry is reloaded from
	// the agent directory.
	DefaultRefreshInterval = 30 * time.Second

	lifecycleBuffer  = 1024
	transitionBuffer = 256
)

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("bus: stopped")

// Opts configures a Bus.
type Opts struct {
	DB       *gorm.DB // required, schema already migrated
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Notifier telegraph.Notifier

	DedupWindow     time.Duration
	SweepInterval   time.Duration
	StaleAfter      time.Duration // <0 disables staleness
	RefreshInterval time.Duration
	PageSize        int

	// Inbox configures the shell notification run when an agent without
	// an in-process handler receives a message.
	Inbox messaging.NotifyConfig
}

// PublishResult is the outcome of Publish.
type PublishResult struct {
	Message   *protocol.Message
	Duplicate bool
}

// Bus is the composition root. Safe for concurrent use.
type Bus struct {
	store    *eventstore.Store
	reg      *registry.Registry
	dir      *agentdir.Directory
	tasks    *task.Store
	router   *router.Router
	notifier telegraph.Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics

	staleAfter      time.Duration
	refreshInterval time.Duration

	// mu guards stopped; Publish holds it shared so Stop sees every
	// dispatch that was started.
	mu       sync.RWMutex
	stopped  bool
	dispatch sync.WaitGroup

	lifecycle  chan *protocol.Message
	workerDone chan struct{}

	assignMu    sync.Mutex
	assignments map[string]*slot // task id → agent holding an in-flight slot

	startMu         sync.Mutex
	started         bool
	cron            *cron.Cron
	stopTransitions func()
	transitionsDone chan struct{}
	stopOnce        sync.Once
}

// New builds a Bus on db. The lifecycle worker and the transition
// forwarder run from construction; Start adds the scheduled jobs.
func New(opts Opts) (*Bus, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("bus: db is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}

	store, err := eventstore.New(eventstore.Opts{
		DB:       opts.DB,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		PageSize: opts.PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	machine := taskstate.NewMachine()
	tasks, err := task.New(task.Opts{
		DB:      opts.DB,
		Machine: machine,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	reg := registry.New(opts.Logger)
	inbox := messaging.Handler(opts.DB, opts.Logger, opts.Inbox)
	var b *Bus
	rt, err := router.New(router.Opts{
		Store:          store,
		Registry:       reg,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		DedupWindow:    opts.DedupWindow,
		SweepInterval:  opts.SweepInterval,
		DefaultHandler: func(ctx context.Context, agentID string, msg *protocol.Message) error {
			return b.runTracked(ctx, agentID, msg, func(ctx context.Context, msg *protocol.Message) error {
				return inbox(ctx, agentID, msg)
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}

	b = &Bus{
		store:           store,
		reg:             reg,
		dir:             agentdir.New(opts.DB, opts.Logger),
		tasks:           tasks,
		router:          rt,
		notifier:        opts.Notifier,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		staleAfter:      opts.StaleAfter,
		refreshInterval: opts.RefreshInterval,
		lifecycle:       make(chan *protocol.Message, lifecycleBuffer),
		workerDone:      make(chan struct{}),
		assignments:     make(map[string]*slot),
		transitionsDone: make(chan struct{}),
	}

	transitions, cancel := machine.Subscribe(transitionBuffer)
	b.stopTransitions = cancel
	go b.forwardTransitions(transitions)
	go b.runLifecycle()
	return b, nil
}

// Start loads the registry from the agent directory and schedules the
// periodic refresh and dedup sweep. Calling Start twice is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return nil
	}
	if err := b.RefreshAgents(ctx); err != nil {
		return err
	}

	c := cron.New()
	c.Schedule(cron.Every(b.refreshInterval), cron.FuncJob(func() {
		if err := b.RefreshAgents(context.Background()); err != nil {
			b.logger.Warn("agent refresh failed", "error", err)
		}
	}))
	c.Start()
	b.cron = c
	b.router.Start()
	b.started = true
	b.logger.Info("bus started", "agents", len(b.reg.List()), "refresh_interval", b.refreshInterval)
	return nil
}

// Stop rejects further publishes, waits for in-flight dispatches and
// lifecycle updates, then stops the scheduled jobs.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		b.dispatch.Wait()
		close(b.lifecycle)
		<-b.workerDone

		b.startMu.Lock()
		if b.cron != nil {
			<-b.cron.Stop().Done()
		}
		b.startMu.Unlock()
		b.router.Stop()

		b.stopTransitions()
		<-b.transitionsDone
		b.logger.Info("bus stopped")
	})
}

// RefreshAgents reloads the registry from the agent directory. Agents
// silent for longer than the stale threshold come back offline.
func (b *Bus) RefreshAgents(ctx context.Context) error {
	var staleBefore time.Time
	if b.staleAfter > 0 {
		staleBefore = time.Now().Add(-b.staleAfter)
	}
	if err := b.reg.Load(ctx, b.dir, staleBefore); err != nil {
		return fmt.Errorf("bus: refresh agents: %w", err)
	}
	return nil
}

// RegisterAgent persists card and adds it to the live registry.
func (b *Bus) RegisterAgent(ctx context.Context, card registry.AgentCard) error {
	if err := b.dir.Upsert(ctx, card); err != nil {
		return err
	}
	return b.reg.Register(card)
}

// DeregisterAgent removes the agent from the directory and the registry.
func (b *Bus) DeregisterAgent(ctx context.Context, agentID string) error {
	if err := b.dir.Remove(ctx, agentID); err != nil {
		return err
	}
	if err := b.reg.Deregister(agentID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	return nil
}

// RegisterHandler attaches an in-process handler for agentID. Agents
// without one receive messages through their inbox.
func (b *Bus) RegisterHandler(agentID string, h router.Handler) {
	b.router.RegisterHandler(agentID, b.tracked(agentID, h))
}

// UnregisterHandler detaches agentID's in-process handler.
func (b *Bus) UnregisterHandler(agentID string) {
	b.router.UnregisterHandler(agentID)
}

// Registry returns the live agent registry.
func (b *Bus) Registry() *registry.Registry { return b.reg }

// Directory returns the persisted agent directory.
func (b *Bus) Directory() *agentdir.Directory { return b.dir }

// Store returns the event store.
func (b *Bus) Store() *eventstore.Store { return b.store }

// Tasks returns the task store.
func (b *Bus) Tasks() *task.Store { return b.tasks }

// Router returns the router.
func (b *Bus) Router() *router.Router { return b.router }

// Agents snapshots the registry.
func (b *Bus) Agents() []registry.Agent { return b.reg.List() }

// GetTask returns the task record for id.
func (b *Bus) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return b.tasks.FindByTaskID(ctx, id)
}

// GetByRunID returns the run's messages.
func (b *Bus) GetByRunID(ctx context.Context, runID string, opts eventstore.QueryOptions) ([]*protocol.Message, error) {
	return b.store.GetByRunID(ctx, runID, opts)
}

// GetByThreadID returns the thread's messages.
func (b *Bus) GetByThreadID(ctx context.Context, threadID string, opts eventstore.QueryOptions) ([]*protocol.Message, error) {
	return b.store.GetByThreadID(ctx, threadID, opts)
}

// GetByTaskID returns the task's messages.
func (b *Bus) GetByTaskID(ctx context.Context, taskID string, opts eventstore.QueryOptions) ([]*protocol.Message, error) {
	return b.store.GetByTaskID(ctx, taskID, opts)
}

// ReplayRun yields the run's messages in append order.
func (b *Bus) ReplayRun(ctx context.Context, runID string) iter.Seq2[*protocol.Message, error] {
	return b.store.ReplayRun(ctx, runID)
}

// Subscribe streams future messages matching f until ctx ends or the
// subscription is closed.
func (b *Bus) Subscribe(ctx context.Context, f eventstore.Filter) *eventstore.Subscription {
	return b.store.Subscribe(ctx, f)
}

// notify forwards e to the notifier. Failures are logged only.
func (b *Bus) notify(ctx context.Context, e telegraph.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, e); err != nil {
		b.logger.Warn("notifier failed", "kind", e.Kind, "error", err)
	}
}

func (b *Bus) forwardTransitions(ch <-chan taskstate.Transition) {
	defer close(b.transitionsDone)
	for tr := range ch {
		b.notify(context.Background(), telegraph.Event{
			Kind:    telegraph.KindTaskTransition,
			At:      tr.At,
			RunID:   tr.RunID,
			TaskID:  tr.TaskID,
			AgentID: tr.Actor,
			From:    string(tr.From),
			To:      string(tr.To),
		})
	}
}
