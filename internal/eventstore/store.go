// Package eventstore is the append-only log of every message on the bus.
// It answers queries by run, thread, task, agent and type, replays runs in
// sequence order and fans new appends out to live subscriptions.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no event matches a lookup.
var ErrNotFound = errors.New("eventstore: event not found")

const defaultPageSize = 500

// Record is a stored message plus the position the store assigned it.
// Duplicate is set when Append found the message already stored.
type Record struct {
	Seq       uint64
	StoredAt  time.Time
	Message   *protocol.Message
	Duplicate bool
}

// Opts configures a Store.
type Opts struct {
	DB       *gorm.DB
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	PageSize int // replay page size, default 500
}

// Store persists messages as models.Event rows. Appends are serialized so
// that seq order equals append order and duplicate checks are atomic.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	metrics  *observability.Metrics
	pageSize int

	appendMu sync.Mutex

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// New creates a Store. The schema must already be migrated.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("eventstore: db is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Store{
		db:       opts.DB,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		pageSize: opts.PageSize,
		subs:     make(map[*Subscription]struct{}),
	}, nil
}

// Append stores msg. Appending a message whose id is already stored
// returns the existing record with Duplicate set and notifies nobody.
func (s *Store) Append(ctx context.Context, msg *protocol.Message) (*Record, error) {
	return s.append(ctx, msg, false)
}

// AppendIdempotent is Append that also treats a message whose
// (run_id, idempotency_key) pair is already stored as a duplicate.
func (s *Store) AppendIdempotent(ctx context.Context, msg *protocol.Message) (*Record, error) {
	return s.append(ctx, msg, true)
}

func (s *Store) append(ctx context.Context, msg *protocol.Message, checkKey bool) (*Record, error) {
	if msg == nil || msg.ID == "" {
		return nil, fmt.Errorf("eventstore: append: message id is required")
	}
	ctx, span := observability.StartSpan(ctx, "eventstore.append",
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
	)
	defer span.End()

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	db := s.db.WithContext(ctx)

	existing, err := findOne(db.Where("id = ?", msg.ID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("eventstore: append %s: %w", msg.ID, err)
	}
	if existing != nil {
		existing.Duplicate = true
		return existing, nil
	}
	if checkKey && msg.IdempotencyKey != "" {
		existing, err = findOne(db.Where("run_id = ? AND idempotency_key = ?", msg.RunID, msg.IdempotencyKey))
		if err != nil && !errors.Is(err, ErrNotFound) {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("eventstore: append %s: %w", msg.ID, err)
		}
		if existing != nil {
			existing.Duplicate = true
			return existing, nil
		}
	}

	ev, err := toEvent(msg)
	if err != nil {
		return nil, fmt.Errorf("eventstore: append %s: %w", msg.ID, err)
	}
	ev.StoredAt = time.Now().UTC()
	if err := db.Create(ev).Error; err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("eventstore: append %s: %w", msg.ID, err)
	}

	stored := msg.Clone()
	s.logger.Debug("event appended", "seq", ev.Seq, "id", msg.ID, "type", msg.Type, "run_id", msg.RunID)
	s.publish(stored)

	return &Record{Seq: ev.Seq, StoredAt: ev.StoredAt, Message: stored}, nil
}

// Get returns the message with the given id.
func (s *Store) Get(ctx context.Context, id string) (*protocol.Message, error) {
	rec, err := findOne(s.db.WithContext(ctx).Where("id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("eventstore: get %s: %w", id, err)
	}
	return rec.Message, nil
}

// GetRecord returns the stored record with the given id.
func (s *Store) GetRecord(ctx context.Context, id string) (*Record, error) {
	rec, err := findOne(s.db.WithContext(ctx).Where("id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("eventstore: get %s: %w", id, err)
	}
	return rec, nil
}

// Exists reports whether a message with id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Event{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("eventstore: exists %s: %w", id, err)
	}
	return n > 0, nil
}

// IsDuplicate reports whether a message with this idempotency key is
// already stored for the run. An empty key is never a duplicate.
func (s *Store) IsDuplicate(ctx context.Context, runID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("run_id = ? AND idempotency_key = ?", runID, key).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("eventstore: check idempotency key %s/%s: %w", runID, key, err)
	}
	return n > 0, nil
}

// FindByIdempotencyKey returns the message stored under (runID, key).
func (s *Store) FindByIdempotencyKey(ctx context.Context, runID, key string) (*protocol.Message, error) {
	if key == "" {
		return nil, fmt.Errorf("eventstore: find idempotency key: %w", ErrNotFound)
	}
	rec, err := findOne(s.db.WithContext(ctx).Where("run_id = ? AND idempotency_key = ?", runID, key))
	if err != nil {
		return nil, fmt.Errorf("eventstore: find idempotency key %s/%s: %w", runID, key, err)
	}
	return rec.Message, nil
}

// findOne loads the lowest-seq event matching q.
func findOne(q *gorm.DB) (*Record, error) {
	var evs []models.Event
	if err := q.Order("seq ASC").Limit(1).Find(&evs).Error; err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, ErrNotFound
	}
	return fromEvent(&evs[0])
}

func toEvent(msg *protocol.Message) (*models.Event, error) {
	body, err := protocol.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ev := &models.Event{
		ID:             msg.ID,
		RunID:          msg.RunID,
		IdempotencyKey: msg.IdempotencyKey,
		ThreadID:       msg.ThreadID,
		TaskID:         msg.TaskID,
		ParentTaskID:   msg.ParentTaskID,
		FromAgent:      msg.From.AgentID,
		Type:           string(msg.Type),
		Domain:         string(msg.Domain),
		Body:           string(body),
		SentAt:         msg.Timestamp.UTC(),
	}
	seen := make(map[string]bool, len(msg.To))
	for _, r := range msg.To {
		if seen[r.AgentID] {
			continue
		}
		seen[r.AgentID] = true
		ev.Recipients = append(ev.Recipients, models.EventRecipient{EventID: msg.ID, AgentID: r.AgentID})
	}
	return ev, nil
}

func fromEvent(ev *models.Event) (*Record, error) {
	msg, err := protocol.Unmarshal([]byte(ev.Body))
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
	}
	return &Record{Seq: ev.Seq, StoredAt: ev.StoredAt, Message: msg}, nil
}
