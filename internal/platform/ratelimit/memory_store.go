package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process sliding-window store. Each key holds a
// sorted slice of request timestamps; prune locates the window start with a
// binary search. Safe for concurrent use within one process only.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	events := s.windows[key]

	// Timestamps are appended in order, so the slice is sorted; find the
	// first event inside the window.
	idx := sort.Search(len(events), func(i int) bool {
		return events[i].After(cutoff)
	})
	events = events[idx:]

	if len(events) >= max {
		s.windows[key] = events
		return false, len(events), events[0], nil
	}

	events = append(events, now)
	s.windows[key] = events

	var oldest time.Time
	if len(events) > 0 {
		oldest = events[0]
	}
	return true, len(events), oldest, nil
}

// Purge drops keys whose events have all left their window. interval-driven
// callers own the cadence; Purge itself is a single sweep.
func (s *MemoryStore) Purge(olderThan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, events := range s.windows {
		if len(events) == 0 || !events[len(events)-1].After(olderThan) {
			delete(s.windows, key)
		}
	}
}
