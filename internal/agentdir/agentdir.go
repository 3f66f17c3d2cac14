// Package agentdir is the persisted agent directory the in-memory registry
// is loaded from. Agents announce themselves with Upsert and stay fresh by
// heartbeating.
package agentdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/registry"
	"gorm.io/gorm"
)

// DefaultHeartbeatInterval is the default interval between heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// ErrNotFound is returned for an agent id with no directory row.
var ErrNotFound = errors.New("agentdir: agent not found")

// Directory stores AgentCards as JSON in models.Agent rows.
type Directory struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ registry.Directory = (*Directory)(nil)

// New creates a Directory. A nil logger discards output.
func New(gdb *gorm.DB, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Directory{db: gdb, logger: logger}
}

// Upsert validates card and writes it, marking the agent online.
func (d *Directory) Upsert(ctx context.Context, card registry.AgentCard) error {
	if err := card.Validate(); err != nil {
		return err
	}
	if err := db.SeedAgents(d.db.WithContext(ctx), []registry.AgentCard{card}); err != nil {
		return fmt.Errorf("agentdir: upsert %s: %w", card.ID, err)
	}
	return nil
}

// Remove deletes an agent's row.
func (d *Directory) Remove(ctx context.Context, agentID string) error {
	res := d.db.WithContext(ctx).Where("id = ?", agentID).Delete(&models.Agent{})
	if res.Error != nil {
		return fmt.Errorf("agentdir: remove %s: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return nil
}

// Get returns one agent's entry.
func (d *Directory) Get(ctx context.Context, agentID string) (*registry.DirectoryEntry, error) {
	var row models.Agent
	if err := d.db.WithContext(ctx).Where("id = ?", agentID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return nil, fmt.Errorf("agentdir: get %s: %w", agentID, err)
	}
	entry, err := toEntry(row)
	if err != nil {
		return nil, fmt.Errorf("agentdir: get %s: %w", agentID, err)
	}
	return &entry, nil
}

// List returns every agent in registration order. Rows whose card cannot
// be decoded are skipped.
func (d *Directory) List(ctx context.Context) ([]registry.DirectoryEntry, error) {
	var rows []models.Agent
	if err := d.db.WithContext(ctx).Order("registered_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("agentdir: list: %w", err)
	}
	out := make([]registry.DirectoryEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := toEntry(row)
		if err != nil {
			d.logger.Warn("skipping undecodable agent card", "agent_id", row.ID, "error", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// SetStatus records an agent's availability.
func (d *Directory) SetStatus(ctx context.Context, agentID string, status registry.Status) error {
	res := d.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID).Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("agentdir: set status %s: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return nil
}

// Heartbeat refreshes an agent's last_activity and marks it online.
func (d *Directory) Heartbeat(ctx context.Context, agentID string) error {
	res := d.db.WithContext(ctx).Model(&models.Agent{}).
		Where("id = ?", agentID).
		Updates(map[string]interface{}{
			"last_activity": time.Now().UTC(),
			"status":        string(registry.StatusOnline),
		})
	if res.Error != nil {
		return fmt.Errorf("agentdir: heartbeat %s: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agentdir: heartbeat %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// StartHeartbeat launches a goroutine that heartbeats agentID every
// interval. The returned channel receives an error if the agent disappears
// or the update fails; it is never closed.
func (d *Directory) StartHeartbeat(ctx context.Context, agentID string, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Heartbeat(ctx, agentID); err != nil {
					if ctx.Err() != nil {
						return
					}
					errCh <- err
					return
				}
			}
		}
	}()
	return errCh
}

// Stale returns the ids of agents not offline whose last activity is older
// than threshold.
func (d *Directory) Stale(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var ids []string
	err := d.db.WithContext(ctx).Model(&models.Agent{}).
		Where("last_activity < ? AND status <> ?", cutoff, string(registry.StatusOffline)).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("agentdir: stale: %w", err)
	}
	return ids, nil
}

func toEntry(row models.Agent) (registry.DirectoryEntry, error) {
	var card registry.AgentCard
	if err := json.Unmarshal([]byte(row.Card), &card); err != nil {
		return registry.DirectoryEntry{}, fmt.Errorf("decode card: %w", err)
	}
	return registry.DirectoryEntry{
		Card:     card,
		Status:   registry.Status(row.Status),
		LastSeen: row.LastActivity,
	}, nil
}
