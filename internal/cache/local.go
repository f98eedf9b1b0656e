package cache

import (
	"sync"
	"time"
)

// localEntry is one value in the in-process fallback store.
type localEntry struct {
	value     string
	createdAt time.Time
	expiresAt time.Time
	category  string
}

// localStore is the bounded in-process fallback behind the distributed tier.
// When over capacity the oldest entry by insertion order is evicted. Expired
// entries are purged lazily on read.
type localStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]localEntry
	order    []string
}

func newLocalStore(capacity int) *localStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &localStore{
		capacity: capacity,
		entries:  make(map[string]localEntry, capacity),
	}
}

func (s *localStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return entry.value, true
}

func (s *localStore) set(key, value string, ttl time.Duration, category string) {
	if ttl <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if _, exists := s.entries[key]; !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = localEntry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		category:  category,
	}

	for len(s.entries) > s.capacity && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
}

func (s *localStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
