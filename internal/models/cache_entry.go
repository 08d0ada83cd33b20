package models

import (
	"time"
)

// CacheEntry represents a cached value stored in the database fallback.
// Counters are stored as decimal text in Value.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
