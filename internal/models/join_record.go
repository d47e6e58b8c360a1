package models

import "time"

// JoinRecord logs one committed join cycle.
type JoinRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ChatID    string `gorm:"size:64;not null;index"`
	Token     string `gorm:"size:128;not null"`
	Workers   int
	CreatedAt time.Time `gorm:"index"`
}
