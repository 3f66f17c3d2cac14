package models

import "time"

// Agent is a persisted agent directory entry. Card holds the JSON AgentCard.
type Agent struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Name         string    `gorm:"size:128"`
	Card         string    `gorm:"type:text"`
	Status       string    `gorm:"size:16;default:online;index"`
	RegisteredAt time.Time
	LastActivity time.Time `gorm:"index"`
}
