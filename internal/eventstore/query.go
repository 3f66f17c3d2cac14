package eventstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/protocol"
	"gorm.io/gorm"
)

// Order is the sequence direction of a query.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// QueryOptions narrows and pages a query. Zero values mean no bound.
type QueryOptions struct {
	Since  time.Time
	Until  time.Time
	Types  []protocol.MessageType
	Order  Order
	Offset int
	Limit  int
}

// Filter selects events for Count and Subscribe. Every set field must
// match; AgentID matches the sender or any recipient.
type Filter struct {
	RunID    string
	ThreadID string
	TaskID   string
	AgentID  string
	Types    []protocol.MessageType
}

// GetByRunID returns the run's messages in seq order.
func (s *Store) GetByRunID(ctx context.Context, runID string, opts QueryOptions) ([]*protocol.Message, error) {
	return s.query(ctx, "run "+runID, opts, func(q *gorm.DB) *gorm.DB {
		return q.Where("run_id = ?", runID)
	})
}

// GetByThreadID returns the thread's messages in seq order.
func (s *Store) GetByThreadID(ctx context.Context, threadID string, opts QueryOptions) ([]*protocol.Message, error) {
	return s.query(ctx, "thread "+threadID, opts, func(q *gorm.DB) *gorm.DB {
		return q.Where("thread_id = ?", threadID)
	})
}

// GetByTaskID returns the task's messages in seq order.
func (s *Store) GetByTaskID(ctx context.Context, taskID string, opts QueryOptions) ([]*protocol.Message, error) {
	return s.query(ctx, "task "+taskID, opts, func(q *gorm.DB) *gorm.DB {
		return q.Where("task_id = ?", taskID)
	})
}

// GetByType returns every message of one type in seq order.
func (s *Store) GetByType(ctx context.Context, msgType protocol.MessageType, opts QueryOptions) ([]*protocol.Message, error) {
	return s.query(ctx, "type "+string(msgType), opts, func(q *gorm.DB) *gorm.DB {
		return q.Where("type = ?", string(msgType))
	})
}

// GetByAgentID returns messages the agent sent or was addressed in.
func (s *Store) GetByAgentID(ctx context.Context, agentID string, opts QueryOptions) ([]*protocol.Message, error) {
	return s.query(ctx, "agent "+agentID, opts, func(q *gorm.DB) *gorm.DB {
		return q.Where("(from_agent = ? OR id IN (?))", agentID, recipientEvents(q, agentID))
	})
}

// Count returns how many stored events match f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	q := applyFilter(s.db.WithContext(ctx).Model(&models.Event{}), f)
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("eventstore: count: %w", err)
	}
	return n, nil
}

// ReplayRun yields the run's messages in seq order, one page at a time.
// Each call starts from the beginning of the run.
func (s *Store) ReplayRun(ctx context.Context, runID string) iter.Seq2[*protocol.Message, error] {
	return func(yield func(*protocol.Message, error) bool) {
		var after uint64
		for {
			var evs []models.Event
			err := s.db.WithContext(ctx).
				Where("run_id = ? AND seq > ?", runID, after).
				Order("seq ASC").
				Limit(s.pageSize).
				Find(&evs).Error
			if err != nil {
				yield(nil, fmt.Errorf("eventstore: replay run %s: %w", runID, err))
				return
			}
			for i := range evs {
				rec, err := fromEvent(&evs[i])
				if err != nil {
					yield(nil, fmt.Errorf("eventstore: replay run %s: %w", runID, err))
					return
				}
				if !yield(rec.Message, nil) {
					return
				}
				after = evs[i].Seq
			}
			if len(evs) < s.pageSize {
				return
			}
		}
	}
}

// After returns up to limit records matching f whose seq is greater than
// afterSeq, in seq order. Followers poll it with the last seq they saw.
func (s *Store) After(ctx context.Context, afterSeq uint64, f Filter, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	q := applyFilter(s.db.WithContext(ctx).Model(&models.Event{}), f).
		Where("seq > ?", afterSeq).
		Order("seq ASC").
		Limit(limit)
	var evs []models.Event
	if err := q.Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("eventstore: read after %d: %w", afterSeq, err)
	}
	out := make([]*Record, 0, len(evs))
	for i := range evs {
		rec, err := fromEvent(&evs[i])
		if err != nil {
			return nil, fmt.Errorf("eventstore: read after %d: %w", afterSeq, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, what string, opts QueryOptions, scope func(*gorm.DB) *gorm.DB) ([]*protocol.Message, error) {
	q := scope(s.db.WithContext(ctx).Model(&models.Event{}))
	if !opts.Since.IsZero() {
		q = q.Where("sent_at >= ?", opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		q = q.Where("sent_at <= ?", opts.Until.UTC())
	}
	if len(opts.Types) > 0 {
		q = q.Where("type IN ?", typeStrings(opts.Types))
	}
	if opts.Order == OrderDesc {
		q = q.Order("seq DESC")
	} else {
		q = q.Order("seq ASC")
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var evs []models.Event
	if err := q.Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("eventstore: query %s: %w", what, err)
	}
	out := make([]*protocol.Message, 0, len(evs))
	for i := range evs {
		rec, err := fromEvent(&evs[i])
		if err != nil {
			return nil, fmt.Errorf("eventstore: query %s: %w", what, err)
		}
		out = append(out, rec.Message)
	}
	return out, nil
}

// recipientEvents is a subquery of event ids addressed to agentID.
func recipientEvents(q *gorm.DB, agentID string) *gorm.DB {
	return q.Session(&gorm.Session{NewDB: true}).
		Model(&models.EventRecipient{}).
		Select("event_id").
		Where("agent_id = ?", agentID)
}

func applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.ThreadID != "" {
		q = q.Where("thread_id = ?", f.ThreadID)
	}
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.AgentID != "" {
		q = q.Where("(from_agent = ? OR id IN (?))", f.AgentID, recipientEvents(q, f.AgentID))
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", typeStrings(f.Types))
	}
	return q
}

// Match reports whether msg satisfies f.
func (f Filter) Match(msg *protocol.Message) bool {
	if f.RunID != "" && msg.RunID != f.RunID {
		return false
	}
	if f.ThreadID != "" && msg.ThreadID != f.ThreadID {
		return false
	}
	if f.TaskID != "" && msg.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && msg.From.AgentID != f.AgentID &&
		!slices.ContainsFunc(msg.To, func(r protocol.AgentRef) bool { return r.AgentID == f.AgentID }) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, msg.Type) {
		return false
	}
	return true
}

func typeStrings(types []protocol.MessageType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
