package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInitialised is returned by nil stores.
var ErrNotInitialised = errors.New("cache: store not initialised")

// Entry is a live key observed by Scan. Counter values are decimal text.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Store is the shared counter backend behind the rate limiter.
type Store interface {
	// IncrementWithTTL increments key and returns the new count with its remaining TTL.
	// The expiry is set only when the key is created, so windows stay fixed.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// Scan lists live keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	// DeletePrefix removes every key starting with prefix and reports how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}
