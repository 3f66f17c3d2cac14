package models

import "time"

// Delivery is an inbox entry written when the bus hands a message to an
// agent that polls for work instead of holding a live handler.
type Delivery struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	MessageID    string `gorm:"size:64;not null;uniqueIndex:idx_delivery_msg_agent"`
	AgentID      string `gorm:"size:64;not null;uniqueIndex:idx_delivery_msg_agent;index:idx_delivery_inbox"`
	RunID        string `gorm:"size:64"`
	TaskID       string `gorm:"size:64"`
	Type         string `gorm:"size:32"`
	Acknowledged bool   `gorm:"default:false;index:idx_delivery_inbox"`
	CreatedAt    time.Time
	AckedAt      *time.Time
}
