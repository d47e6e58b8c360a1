package models

import "time"

// KVEntry is one persisted key-value pair, e.g. the last join token of a chat.
type KVEntry struct {
	Key       string `gorm:"primaryKey;size:191"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
