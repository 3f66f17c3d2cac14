package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for operations on an unknown agent.
var ErrNotFound = errors.New("registry: agent not found")

// Status is an agent's availability as seen by the registry.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Scoring weights. An agent that satisfies requires starts at baseScore,
// gains up to preferWeight for preference overlap and loses up to
// loadWeight as it fills up.
const (
	baseScore    = 0.5
	preferWeight = 1.0
	loadWeight   = 0.5
)

// Agent is a point-in-time view of a registered agent.
type Agent struct {
	Card          AgentCard `json:"card"`
	Status        Status    `json:"status"`
	InFlightTasks int       `json:"in_flight_tasks"`
	Load          float64   `json:"load"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Candidate is one result of a capability match.
type Candidate struct {
	Agent               AgentCard
	Score               float64
	MatchedCapabilities []string
	Load                float64
	order               uint64
}

// DirectoryEntry is one agent as recorded in the persisted directory.
type DirectoryEntry struct {
	Card     AgentCard
	Status   Status
	LastSeen time.Time
}

// Directory is the persisted source of truth the registry is loaded from.
type Directory interface {
	List(ctx context.Context) ([]DirectoryEntry, error)
}

type entry struct {
	card         AgentCard
	status       Status
	inFlight     int
	order        uint64
	registeredAt time.Time
}

func (e *entry) load() float64 {
	return float64(e.inFlight) / float64(e.card.maxConcurrency())
}

func (e *entry) snapshot() Agent {
	return Agent{
		Card:          e.card,
		Status:        e.status,
		InFlightTasks: e.inFlight,
		Load:          e.load(),
		RegisteredAt:  e.registeredAt,
	}
}

// Registry holds AgentCards and their in-flight counters. All methods are
// safe for concurrent use; counter updates and load reads share one lock.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*entry
	nextOrder uint64
	logger    *slog.Logger
}

// New creates an empty Registry. A nil logger discards output.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger,
	}
}

// Register inserts or replaces the card for card.ID. Re-registering keeps
// the agent's original registration order and in-flight count.
func (r *Registry) Register(card AgentCard) error {
	if err := card.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(card, StatusOnline)
	return nil
}

func (r *Registry) upsertLocked(card AgentCard, status Status) {
	if e, ok := r.agents[card.ID]; ok {
		e.card = card
		e.status = status
		r.logger.Debug("agent updated", "agent_id", card.ID)
		return
	}
	r.nextOrder++
	r.agents[card.ID] = &entry{
		card:         card,
		status:       status,
		order:        r.nextOrder,
		registeredAt: time.Now(),
	}
	r.logger.Info("agent registered", "agent_id", card.ID, "capabilities", card.CapabilityIDs())
}

// Deregister removes an agent. Returns ErrNotFound if not present.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(r.agents, agentID)
	r.logger.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return e.snapshot(), true
}

// List returns all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	return out
}

// SetStatus changes an agent's availability.
func (r *Registry) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if e.status != status {
		r.logger.Info("agent status changed", "agent_id", agentID, "from", e.status, "to", status)
	}
	e.status = status
	return nil
}

// IsAvailable is false if the agent is unknown, offline, or at capacity.
func (r *Registry) IsAvailable(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return isAvailable(e)
}

func isAvailable(e *entry) bool {
	if e.status == StatusOffline {
		return false
	}
	return e.inFlight < e.card.maxConcurrency()
}

// IncrementTasks records one more in-flight task for the agent.
func (r *Registry) IncrementTasks(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	e.inFlight++
	return nil
}

// DecrementTasks records one fewer in-flight task. The counter never goes
// below zero.
func (r *Registry) DecrementTasks(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	return nil
}

// FindByCapabilities returns every agent whose capability set covers
// requires, best first: score descending, then registration order.
func (r *Registry) FindByCapabilities(requires, prefers []string) []Candidate {
	r.mu.RLock()
	var out []Candidate
	for _, e := range r.agents {
		c, ok := match(e, requires, prefers)
		if ok {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].order < out[j].order
	})
	return out
}

func match(e *entry, requires, prefers []string) (Candidate, bool) {
	have := make(map[string]bool, len(e.card.Capabilities))
	for _, cp := range e.card.Capabilities {
		have[cp.ID] = true
	}

	matched := make([]string, 0, len(requires)+len(prefers))
	for _, req := range requires {
		if !have[req] {
			return Candidate{}, false
		}
		matched = append(matched, req)
	}

	prefRatio := 1.0
	if len(prefers) > 0 {
		hits := 0
		for _, p := range prefers {
			if have[p] {
				hits++
				matched = append(matched, p)
			}
		}
		prefRatio = float64(hits) / float64(len(prefers))
	}

	load := e.load()
	return Candidate{
		Agent:               e.card,
		Score:               baseScore + preferWeight*prefRatio - loadWeight*load,
		MatchedCapabilities: matched,
		Load:                load,
		order:               e.order,
	}, true
}

// Sync replaces the registry contents with entries from the directory.
// Agents missing from entries are removed; agents last seen before
// staleBefore are marked offline. In-flight counters of surviving agents
// are kept.
func (r *Registry) Sync(entries []DirectoryEntry, staleBefore time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]bool, len(entries))
	for _, de := range entries {
		if err := de.Card.Validate(); err != nil {
			r.logger.Warn("skipping invalid agent card", "agent_id", de.Card.ID, "error", err)
			continue
		}
		status := de.Status
		if status == "" {
			status = StatusOnline
		}
		if !staleBefore.IsZero() && !de.LastSeen.IsZero() && de.LastSeen.Before(staleBefore) {
			status = StatusOffline
		}
		r.upsertLocked(de.Card, status)
		keep[de.Card.ID] = true
	}
	for id := range r.agents {
		if !keep[id] {
			delete(r.agents, id)
			r.logger.Info("agent removed from directory", "agent_id", id)
		}
	}
}

// Load syncs the registry from dir.
func (r *Registry) Load(ctx context.Context, dir Directory, staleBefore time.Time) error {
	entries, err := dir.List(ctx)
	if err != nil {
		return fmt.Errorf("registry: load directory: %w", err)
	}
	r.Sync(entries, staleBefore)
	return nil
}
