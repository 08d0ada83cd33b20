package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charlesng35/authcore/internal/cache"
)

const cacheKeyPrefix = "rl:"

// CacheStore keeps counters in a shared cache.Store (Redis or SQL) so every
// instance sees the same windows.
type CacheStore struct {
	cache cache.Store
}

// NewCacheStore wraps a cache.Store.
func NewCacheStore(store cache.Store) (*CacheStore, error) {
	if store == nil {
		return nil, errors.New("ratelimit: cache store is required")
	}
	return &CacheStore{cache: store}, nil
}

func (s *CacheStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	count, ttl, err := s.cache.IncrementWithTTL(ctx, cacheKeyPrefix+key, window)
	if err != nil {
		return 0, time.Time{}, err
	}
	if ttl <= 0 || ttl > window {
		ttl = window
	}
	return count, now.Add(ttl), nil
}

func (s *CacheStore) Windows(ctx context.Context, now time.Time) ([]Window, error) {
	entries, err := s.cache.Scan(ctx, cacheKeyPrefix)
	if err != nil {
		return nil, err
	}

	windows := make([]Window, 0, len(entries))
	for _, entry := range entries {
		count, err := strconv.ParseInt(strings.TrimSpace(string(entry.Value)), 10, 64)
		if err != nil || entry.TTL <= 0 {
			continue
		}
		windows = append(windows, Window{
			Key:     strings.TrimPrefix(entry.Key, cacheKeyPrefix),
			Count:   count,
			ResetAt: now.Add(entry.TTL),
		})
	}

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Key < windows[j].Key
	})
	return windows, nil
}

func (s *CacheStore) Reset(ctx context.Context) error {
	_, err := s.cache.DeletePrefix(ctx, cacheKeyPrefix)
	return err
}
