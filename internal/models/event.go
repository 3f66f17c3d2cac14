package models

import "time"

// Event is the persisted form of a bus message. Rows are never updated.
type Event struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement"`
	ID             string    `gorm:"size:64;not null;uniqueIndex"`
	RunID          string    `gorm:"size:64;index:idx_event_run_key"`
	IdempotencyKey string    `gorm:"size:128;index:idx_event_run_key"`
	ThreadID       string    `gorm:"size:64;index"`
	TaskID         string    `gorm:"size:64;index"`
	ParentTaskID   *string   `gorm:"size:64"`
	FromAgent      string    `gorm:"size:64;index"`
	Type           string    `gorm:"size:32;index"`
	Domain         string    `gorm:"size:16"`
	Body           string    `gorm:"type:mediumtext"`
	SentAt         time.Time `gorm:"index"`
	StoredAt       time.Time

	Recipients []EventRecipient `gorm:"foreignKey:EventID;references:ID"`
}

// EventRecipient indexes an event by each addressed agent.
type EventRecipient struct {
	EventID string `gorm:"primaryKey;size:64"`
	AgentID string `gorm:"primaryKey;size:64;index"`
}
