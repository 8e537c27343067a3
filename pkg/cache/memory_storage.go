package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStorage is an in-process Storage for tests and single-process tools.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]map[string]*Entry)}
}

func (s *MemoryStorage) Get(_ context.Context, namespace, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	cp.Value = slices.Clone(entry.Value)
	return &cp, nil
}

func (s *MemoryStorage) Upsert(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.entries[entry.Namespace]
	if !ok {
		ns = make(map[string]*Entry)
		s.entries[entry.Namespace] = ns
	}

	stored := &Entry{
		Namespace: entry.Namespace,
		Key:       entry.Key,
		Value:     slices.Clone(entry.Value),
		ExpiresAt: entry.ExpiresAt,
		Version:   1,
		CreatedAt: entry.UpdatedAt,
		UpdatedAt: entry.UpdatedAt,
	}
	if prev, ok := ns[entry.Key]; ok {
		stored.Version = prev.Version + 1
		stored.CreatedAt = prev.CreatedAt
	}
	ns[entry.Key] = stored

	entry.Version = stored.Version
	entry.CreatedAt = stored.CreatedAt
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.entries[namespace]; ok {
		delete(ns, key)
		if len(ns) == 0 {
			delete(s.entries, namespace)
		}
	}
	return nil
}

func (s *MemoryStorage) DeleteNamespace(_ context.Context, namespace string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.entries[namespace]))
	delete(s.entries, namespace)
	return n, nil
}

func (s *MemoryStorage) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for name, ns := range s.entries {
		for key, entry := range ns {
			if limit > 0 && n >= int64(limit) {
				return n, nil
			}
			if entry.Expired(now) {
				delete(ns, key)
				n++
			}
		}
		if len(ns) == 0 {
			delete(s.entries, name)
		}
	}
	return n, nil
}

// Len returns the number of stored rows, expired or not.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ns := range s.entries {
		n += len(ns)
	}
	return n
}
