package models

import "time"

// Task is the lifecycle record for a unit of work within a run.
type Task struct {
	ID           string  `gorm:"primaryKey;size:64"`
	RunID        string  `gorm:"size:64;not null;index"`
	ThreadID     string  `gorm:"size:64"`
	ParentTaskID *string `gorm:"size:64"`
	Title        string  `gorm:"size:256"`
	State        string  `gorm:"size:16;default:created;index"`
	Assignee     string  `gorm:"size:64;index"`
	CreatedBy    string  `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AssignedAt   *time.Time
	CompletedAt  *time.Time

	Transitions []TaskTransition `gorm:"foreignKey:TaskID"`
}

// TaskTransition is the audit trail of confirmed state changes.
type TaskTransition struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"size:64;index"`
	FromState string `gorm:"size:16"`
	ToState   string `gorm:"size:16"`
	Actor     string `gorm:"size:64"`
	CreatedAt time.Time
}
