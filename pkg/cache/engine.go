package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

// Engine is the namespaced TTL cache. Reads never fail: storage errors are
// logged and reported as misses.
type Engine struct {
	storage Storage
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics
	retry   pg.RetryPolicy
	near    *expirable.LRU[string, *Entry]
}

// NewEngine creates a cache engine over storage.
func NewEngine(storage Storage, opts ...Option) (*Engine, error) {
	if storage == nil {
		return nil, ErrNilStorage
	}

	e := &Engine{
		storage: storage,
		cfg:     DefaultConfig(),
		now:     time.Now,
		log:     slog.Default(),
		retry:   pg.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cfg.NearSize > 0 {
		ttl := e.cfg.NearTTL
		if ttl <= 0 {
			ttl = 5 * time.Second
		}
		e.near = expirable.NewLRU[string, *Entry](e.cfg.NearSize, nil, ttl)
	}

	e.log = e.log.With(logger.Component("cache"))
	return e, nil
}

// Get returns the value stored under (namespace, key). The second result is
// false on a miss, on expiry, and when storage cannot be reached.
func (e *Engine) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	entry, ok := e.GetEntry(ctx, namespace, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry is Get returning the entry with its version and expiry.
func (e *Engine) GetEntry(ctx context.Context, namespace, key string) (*Entry, bool) {
	if namespace == "" || key == "" {
		return nil, false
	}

	now := e.now()
	nk := nearKey(namespace, key)

	if e.near != nil {
		if entry, ok := e.near.Get(nk); ok {
			if !entry.Expired(now) {
				e.metrics.hit(namespace, "near")
				return entry.clone(), true
			}
			e.near.Remove(nk)
		}
	}

	entry, err := e.storage.Get(ctx, namespace, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.metrics.storageError("get")
			e.log.WarnContext(ctx, "cache read failed, treating as miss",
				logger.Namespace(namespace),
				slog.String("key", key),
				logger.Error(err),
			)
		}
		e.metrics.miss(namespace)
		return nil, false
	}

	if entry.Expired(now) {
		e.metrics.miss(namespace)
		return nil, false
	}

	if e.near != nil {
		e.near.Add(nk, entry.clone())
	}
	e.metrics.hit(namespace, "storage")
	return entry, true
}

// Set upserts value with expires_at = now + ttl. A ttl <= 0 stores an entry
// that is already expired.
func (e *Engine) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if namespace == "" || key == "" {
		return ErrInvalidKey
	}

	now := e.now()
	entry := &Entry{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		ExpiresAt: now.Add(max(ttl, 0)),
		UpdatedAt: now,
	}

	if err := pg.Retry(ctx, e.retry, func() error {
		return e.storage.Upsert(ctx, entry)
	}); err != nil {
		e.metrics.storageError("set")
		return errors.Join(ErrStorageFailure, fmt.Errorf("set %s/%s: %w", namespace, key, err))
	}

	if e.near != nil {
		nk := nearKey(namespace, key)
		if entry.Expired(now) {
			e.near.Remove(nk)
		} else {
			e.near.Add(nk, entry.clone())
		}
	}

	e.metrics.set(namespace)
	return nil
}

// Invalidate deletes a single entry. Deleting a missing entry is not an error.
func (e *Engine) Invalidate(ctx context.Context, namespace, key string) error {
	if namespace == "" || key == "" {
		return ErrInvalidKey
	}

	if e.near != nil {
		e.near.Remove(nearKey(namespace, key))
	}

	if err := pg.Retry(ctx, e.retry, func() error {
		return e.storage.Delete(ctx, namespace, key)
	}); err != nil {
		e.metrics.storageError("invalidate")
		return errors.Join(ErrStorageFailure, fmt.Errorf("invalidate %s/%s: %w", namespace, key, err))
	}

	e.metrics.invalidate(namespace, "key")
	return nil
}

// InvalidateNamespace deletes every entry in namespace and returns how many
// rows were removed.
func (e *Engine) InvalidateNamespace(ctx context.Context, namespace string) (int64, error) {
	if namespace == "" {
		return 0, ErrInvalidKey
	}

	if e.near != nil {
		prefix := namespace + "\x00"
		for _, k := range e.near.Keys() {
			if strings.HasPrefix(k, prefix) {
				e.near.Remove(k)
			}
		}
	}

	n, err := pg.RetryWithData(ctx, e.retry, func() (int64, error) {
		return e.storage.DeleteNamespace(ctx, namespace)
	})
	if err != nil {
		e.metrics.storageError("invalidate_namespace")
		return 0, errors.Join(ErrStorageFailure, fmt.Errorf("invalidate namespace %s: %w", namespace, err))
	}

	e.metrics.invalidate(namespace, "namespace")
	return n, nil
}

// Purge physically removes expired rows in batches of cfg.PurgeBatch.
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	batch := e.cfg.PurgeBatch
	if batch <= 0 {
		batch = DefaultConfig().PurgeBatch
	}
	now := e.now()

	var total int64
	for {
		n, err := e.storage.DeleteExpired(ctx, now, batch)
		total += n
		if err != nil {
			e.metrics.storageError("purge")
			e.metrics.purge(total)
			return total, errors.Join(ErrStorageFailure, fmt.Errorf("purge expired entries: %w", err))
		}
		if n < int64(batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			e.metrics.purge(total)
			return total, err
		}
	}

	e.metrics.purge(total)
	return total, nil
}

// RunJanitor calls Purge every cfg.PurgeInterval until ctx is cancelled.
func (e *Engine) RunJanitor(ctx context.Context) error {
	if e.cfg.PurgeInterval <= 0 {
		return ErrInvalidPurgeCfg
	}

	ticker := time.NewTicker(e.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.log.ErrorContext(ctx, "cache purge failed", logger.Error(err))
				continue
			}
			if n > 0 {
				e.log.DebugContext(ctx, "purged expired cache entries", slog.Int64("count", n))
			}
		}
	}
}

func nearKey(namespace, key string) string {
	return namespace + "\x00" + key
}
