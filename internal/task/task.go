// Package task provides task record lifecycle operations.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/taskstate"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("task: not found")
	// ErrExists is returned by Create for an id already in use.
	ErrExists = errors.New("task: already exists")
	// ErrStateChanged is returned when another writer moved the task
	// between the read and the conditional update.
	ErrStateChanged = errors.New("task: state changed concurrently")
)

// CreateOpts holds parameters for creating a new task.
type CreateOpts struct {
	ID           string // generated when empty
	RunID        string
	ThreadID     string
	ParentTaskID *string
	Title        string
	CreatedBy    string
}

// ListFilters holds optional filters for listing tasks.
type ListFilters struct {
	RunID    string
	State    taskstate.State
	Assignee string
}

// Opts configures a Store.
type Opts struct {
	DB      *gorm.DB
	Machine *taskstate.Machine
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Store persists task records and their transition history.
type Store struct {
	db      *gorm.DB
	machine *taskstate.Machine
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Store. A nil Machine means transitions are not broadcast.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("task: db is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		db:      opts.DB,
		machine: opts.Machine,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// Machine returns the transition broadcaster, or nil.
func (s *Store) Machine() *taskstate.Machine { return s.machine }

// Create inserts a task in state created.
func (s *Store) Create(ctx context.Context, opts CreateOpts) (*models.Task, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("task: run id is required")
	}
	if opts.ID == "" {
		opts.ID = protocol.NewTaskID()
	}
	db := s.db.WithContext(ctx)

	var n int64
	if err := db.Model(&models.Task{}).Where("id = ?", opts.ID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("task: check %s: %w", opts.ID, err)
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: %s", ErrExists, opts.ID)
	}

	t := models.Task{
		ID:           opts.ID,
		RunID:        opts.RunID,
		ThreadID:     opts.ThreadID,
		ParentTaskID: opts.ParentTaskID,
		Title:        opts.Title,
		State:        string(taskstate.Created),
		CreatedBy:    opts.CreatedBy,
	}
	if err := db.Create(&t).Error; err != nil {
		return nil, fmt.Errorf("task: create %s: %w", opts.ID, err)
	}
	s.logger.Info("task created", "task_id", t.ID, "run_id", t.RunID)
	return &t, nil
}

// FindByTaskID retrieves a task by ID.
func (s *Store) FindByTaskID(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("task: get %s: %w", id, err)
	}
	return &t, nil
}

// ListByRun returns the run's tasks in creation order.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]models.Task, error) {
	return s.List(ctx, ListFilters{RunID: runID})
}

// List returns tasks matching the given filters in creation order.
func (s *Store) List(ctx context.Context, filters ListFilters) ([]models.Task, error) {
	q := s.db.WithContext(ctx).Model(&models.Task{})
	if filters.RunID != "" {
		q = q.Where("run_id = ?", filters.RunID)
	}
	if filters.State != "" {
		q = q.Where("state = ?", string(filters.State))
	}
	if filters.Assignee != "" {
		q = q.Where("assignee = ?", filters.Assignee)
	}
	var tasks []models.Task
	if err := q.Order("created_at ASC, id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task: list: %w", err)
	}
	return tasks, nil
}

// History returns the task's confirmed transitions, oldest first.
func (s *Store) History(ctx context.Context, id string) ([]models.TaskTransition, error) {
	var rows []models.TaskTransition
	if err := s.db.WithContext(ctx).Where("task_id = ?", id).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("task: history %s: %w", id, err)
	}
	return rows, nil
}

// UpdateState moves a task to state to. Disallowed transitions return a
// *taskstate.InvalidTransitionError and leave the record untouched.
func (s *Store) UpdateState(ctx context.Context, id string, to taskstate.State, actor string) (*models.Task, error) {
	return s.transition(ctx, id, to, actor, nil)
}

// Assign moves a task to assigned and records agentID as its assignee.
func (s *Store) Assign(ctx context.Context, id, agentID, actor string) (*models.Task, error) {
	return s.transition(ctx, id, taskstate.Assigned, actor, map[string]interface{}{"assignee": agentID})
}

func (s *Store) transition(ctx context.Context, id string, to taskstate.State, actor string, extra map[string]interface{}) (*models.Task, error) {
	var (
		updated models.Task
		tr      taskstate.Transition
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Task
		if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("task: get %s for update: %w", id, err)
		}
		from := taskstate.State(cur.State)
		if err := taskstate.Validate(from, to); err != nil {
			return err
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{"state": string(to), "updated_at": now}
		for k, v := range extra {
			updates[k] = v
		}
		switch to {
		case taskstate.Assigned:
			updates["assigned_at"] = now
		case taskstate.Created:
			updates["assignee"] = ""
			updates["assigned_at"] = nil
		case taskstate.Done, taskstate.Cancelled:
			updates["completed_at"] = now
		}

		res := tx.Model(&models.Task{}).Where("id = ? AND state = ?", id, cur.State).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("task: update %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrStateChanged, id)
		}
		if err := tx.Create(&models.TaskTransition{
			TaskID:    id,
			FromState: cur.State,
			ToState:   string(to),
			Actor:     actor,
			CreatedAt: now,
		}).Error; err != nil {
			return fmt.Errorf("task: record transition %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).First(&updated).Error; err != nil {
			return fmt.Errorf("task: reload %s: %w", id, err)
		}
		tr = taskstate.Transition{TaskID: id, RunID: cur.RunID, From: from, To: to, Actor: actor, At: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task transitioned", "task_id", id, "from", tr.From, "to", tr.To, "actor", actor)
	s.metrics.TaskTransition(string(tr.From), string(tr.To))
	if s.machine != nil {
		s.machine.Notify(tr)
	}
	return &updated, nil
}
