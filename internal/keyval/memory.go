package keyval

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and database-free runs.
//
// Expiry is passive: entries keep their deadline and every reader treats a
// past-deadline entry as absent, matching the lease semantics of the Redis
// backend. Physically expired entries are reaped opportunistically on
// writes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

type memoryEntry struct {
	value    string
	deadline time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		nowFunc: time.Now,
	}
}

// SetClock overrides the time source. Tests use this to cross TTL
// boundaries without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *MemoryStore) live(e memoryEntry, now time.Time) bool {
	return e.deadline.After(now)
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	s.reapLocked(now)
	s.entries[key] = memoryEntry{value: value, deadline: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return ok && s.live(entry, s.nowFunc()), nil
}

func (s *MemoryStore) RefreshTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	entry, ok := s.entries[key]
	if !ok || !s.live(entry, now) {
		return false, nil
	}
	entry.deadline = now.Add(ttl)
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.nowFunc()
	var keys []string
	for key, entry := range s.entries {
		if !s.live(entry, now) {
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// reapLocked drops physically expired entries. Correctness never depends on
// this running; it only bounds memory.
func (s *MemoryStore) reapLocked(now time.Time) {
	for key, entry := range s.entries {
		if !s.live(entry, now) {
			delete(s.entries, key)
		}
	}
}
