package cache

import (
	"context"
	"slices"
	"time"
)

// Entry is a single cached value. A zero or past ExpiresAt means the entry is
// a miss for every reader, whether or not the row still exists.
type Entry struct {
	Namespace string
	Key       string
	Value     []byte
	ExpiresAt time.Time
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// clone copies e including its value, so the near tier never shares a
// buffer with callers.
func (e *Entry) clone() *Entry {
	cp := *e
	cp.Value = slices.Clone(e.Value)
	return &cp
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Storage persists cache entries. Implementations never evaluate expiry on
// read; the Engine does that against its own clock.
type Storage interface {
	// Get returns the stored entry or ErrNotFound.
	Get(ctx context.Context, namespace, key string) (*Entry, error)
	// Upsert writes the entry, bumping Version on every write, and fills in
	// Version and CreatedAt from the stored row.
	Upsert(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) (int64, error)
	// DeleteExpired removes at most limit entries with expires_at <= now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}
