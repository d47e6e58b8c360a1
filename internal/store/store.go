// Package store persists join tokens and the join history over GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/wolfpack/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements player.KeyValueStore and player.JoinRecorder.
type Store struct {
	db *gorm.DB
}

// New wraps an open, migrated database.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// Get returns the value stored under key. ok is false when the key is unset.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.KVEntry
	err := s.db.WithContext(ctx).Where(&models.KVEntry{Key: key}).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return []byte(entry.Value), true, nil
}

// Set writes value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("store: key is required")
	}
	entry := models.KVEntry{Key: key, Value: string(value), UpdatedAt: time.Now()}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("store: set %s: %w", key, result.Error)
	}
	return nil
}

// RecordJoin appends a committed join cycle to the history.
func (s *Store) RecordJoin(ctx context.Context, chatID, token string, workers int) error {
	rec := models.JoinRecord{
		ChatID:    chatID,
		Token:     token,
		Workers:   workers,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("store: record join for %s: %w", chatID, err)
	}
	return nil
}

// RecentJoins returns up to limit join records, newest first. An empty chatID
// matches every chat.
func (s *Store) RecentJoins(ctx context.Context, chatID string, limit int) ([]models.JoinRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Model(&models.JoinRecord{})
	if chatID != "" {
		q = q.Where("chat_id = ?", chatID)
	}
	var recs []models.JoinRecord
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: recent joins: %w", err)
	}
	return recs, nil
}
