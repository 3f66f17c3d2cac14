// Package messaging keeps a persisted inbox for agents that poll for work
// instead of holding a live delivery handler.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/protocol"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultInboxLimit caps Inbox results when no limit is given.
const DefaultInboxLimit = 100

// ErrNotFound is returned when acknowledging an unknown delivery.
var ErrNotFound = errors.New("messaging: delivery not found")

// Record adds msg to agentID's inbox. Recording the same message for the
// same agent twice keeps the first entry.
func Record(ctx context.Context, db *gorm.DB, agentID string, msg *protocol.Message) (*models.Delivery, error) {
	if agentID == "" {
		return nil, fmt.Errorf("messaging: agentID is required")
	}
	if msg == nil || msg.ID == "" {
		return nil, fmt.Errorf("messaging: message id is required")
	}

	d := models.Delivery{
		MessageID: msg.ID,
		AgentID:   agentID,
		RunID:     msg.RunID,
		TaskID:    msg.TaskID,
		Type:      string(msg.Type),
		CreatedAt: time.Now(),
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "agent_id"}},
		DoNothing: true,
	}).Create(&d).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: record %s for %s: %w", msg.ID, agentID, err)
	}

	var stored models.Delivery
	if err := db.WithContext(ctx).Where("message_id = ? AND agent_id = ?", msg.ID, agentID).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("messaging: record %s for %s: %w", msg.ID, agentID, err)
	}
	return &stored, nil
}

// Inbox returns unacknowledged deliveries for an agent, oldest first.
// A limit <= 0 uses DefaultInboxLimit.
func Inbox(ctx context.Context, db *gorm.DB, agentID string, limit int) ([]models.Delivery, error) {
	if agentID == "" {
		return nil, fmt.Errorf("messaging: agentID is required")
	}
	if limit <= 0 {
		limit = DefaultInboxLimit
	}

	var out []models.Delivery
	if err := db.WithContext(ctx).Where("agent_id = ? AND acknowledged = ?", agentID, false).
		Order("created_at ASC").Order("id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("messaging: inbox %s: %w", agentID, err)
	}
	return out, nil
}

// Pending counts an agent's unacknowledged deliveries.
func Pending(ctx context.Context, db *gorm.DB, agentID string) (int64, error) {
	var n int64
	if err := db.WithContext(ctx).Model(&models.Delivery{}).
		Where("agent_id = ? AND acknowledged = ?", agentID, false).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("messaging: pending %s: %w", agentID, err)
	}
	return n, nil
}

// Acknowledge marks an agent's delivery of messageID as handled.
func Acknowledge(ctx context.Context, db *gorm.DB, agentID, messageID string) error {
	now := time.Now()
	result := db.WithContext(ctx).Model(&models.Delivery{}).
		Where("agent_id = ? AND message_id = ?", agentID, messageID).
		Updates(map[string]any{"acknowledged": true, "acked_at": &now})
	if result.Error != nil {
		return fmt.Errorf("messaging: acknowledge %s for %s: %w", messageID, agentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s for %s", ErrNotFound, messageID, agentID)
	}
	return nil
}

// Handler returns a fallback delivery handler that records every message
// in the recipient's inbox and fires the notify command for configured
// recipients.
func Handler(db *gorm.DB, logger *slog.Logger, cfg NotifyConfig) func(ctx context.Context, agentID string, msg *protocol.Message) error {
	return func(ctx context.Context, agentID string, msg *protocol.Message) error {
		d, err := Record(ctx, db, agentID, msg)
		if err != nil {
			return err
		}
		if cfg.shouldNotify(agentID) {
			Notify(ctx, d, msg, cfg, logger)
		}
		return nil
	}
}
