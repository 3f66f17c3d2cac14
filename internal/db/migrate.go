package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/registry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model in the schema.
func AllModels() []interface{} {
	return []interface{}{
		&models.Event{},
		&models.EventRecipient{},
		&models.Agent{},
		&models.Task{},
		&models.TaskTransition{},
		&models.Delivery{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedAgents upserts agent directory rows from configured cards. Existing
// rows keep their registration time.
func SeedAgents(db *gorm.DB, cards []registry.AgentCard) error {
	now := time.Now().UTC()
	for _, c := range cards {
		card, err := marshalJSON(c)
		if err != nil {
			return fmt.Errorf("db: marshal card for agent %q: %w", c.ID, err)
		}
		row := models.Agent{
			ID:           c.ID,
			Name:         c.Name,
			Card:         card,
			Status:       string(registry.StatusOnline),
			RegisteredAt: now,
			LastActivity: now,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "card", "status", "last_activity"}),
		}).Create(&row)
		if result.Error != nil {
			return fmt.Errorf("db: seed agent %q: %w", c.ID, result.Error)
		}
	}
	return nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
