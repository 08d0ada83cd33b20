package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps counters in process. Each key has its own lock so unrelated
// callers never serialise on each other.
type MemoryStore struct {
	entries sync.Map // string -> *memoryEntry
}

type memoryEntry struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
	// dead marks an entry removed from the map; holders must reload.
	dead bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	for {
		value, ok := s.entries.Load(key)
		if !ok {
			value, _ = s.entries.LoadOrStore(key, &memoryEntry{})
		}
		entry := value.(*memoryEntry)

		entry.mu.Lock()
		if entry.dead {
			entry.mu.Unlock()
			continue
		}
		if entry.count == 0 || !now.Before(entry.resetAt) {
			entry.count = 1
			entry.resetAt = now.Add(window)
		} else {
			entry.count++
		}
		count, resetAt := entry.count, entry.resetAt
		entry.mu.Unlock()

		return count, resetAt, nil
	}
}

func (s *MemoryStore) Windows(_ context.Context, now time.Time) ([]Window, error) {
	var windows []Window
	s.entries.Range(func(key, value any) bool {
		entry := value.(*memoryEntry)
		entry.mu.Lock()
		if !entry.dead && entry.count > 0 && now.Before(entry.resetAt) {
			windows = append(windows, Window{
				Key:     key.(string),
				Count:   entry.count,
				ResetAt: entry.resetAt,
			})
		}
		entry.mu.Unlock()
		return true
	})

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Key < windows[j].Key
	})
	return windows, nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.entries.Range(func(key, value any) bool {
		s.remove(key, value.(*memoryEntry), func(*memoryEntry) bool { return true })
		return true
	})
	return nil
}

// Sweep drops windows that have expired at now and reports how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.entries.Range(func(key, value any) bool {
		if s.remove(key, value.(*memoryEntry), func(e *memoryEntry) bool {
			return e.count > 0 && !now.Before(e.resetAt)
		}) {
			removed++
		}
		return true
	})
	return removed
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *MemoryStore) remove(key any, entry *memoryEntry, should func(*memoryEntry) bool) bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.dead || !should(entry) {
		return false
	}
	entry.dead = true
	s.entries.CompareAndDelete(key, entry)
	return true
}
