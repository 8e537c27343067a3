package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

// PostgresStorage keeps entries in the cache_entries table.
type PostgresStorage struct {
	db pg.DB
}

// NewPostgresStorage creates a storage over db, which may be a pool or a transaction.
func NewPostgresStorage(db pg.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

const (
	queryGetEntry = `
		SELECT namespace, key, value, expires_at, version, created_at, updated_at
		FROM cache_entries
		WHERE namespace = $1 AND key = $2`

	queryUpsertEntry = `
		INSERT INTO cache_entries (namespace, key, value, expires_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value      = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    version    = cache_entries.version + 1,
		    updated_at = EXCLUDED.updated_at
		RETURNING version, created_at`

	queryDeleteEntry = `DELETE FROM cache_entries WHERE namespace = $1 AND key = $2`

	queryDeleteNamespace = `DELETE FROM cache_entries WHERE namespace = $1`

	queryDeleteExpired = `
		DELETE FROM cache_entries
		WHERE ctid IN (
			SELECT ctid FROM cache_entries
			WHERE expires_at <= $1
			LIMIT $2
		)`
)

func (s *PostgresStorage) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRow(ctx, queryGetEntry, namespace, key).Scan(
		&e.Namespace, &e.Key, &e.Value, &e.ExpiresAt, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select cache entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStorage) Upsert(ctx context.Context, entry *Entry) error {
	value := entry.Value
	if value == nil {
		value = []byte{}
	}
	err := s.db.QueryRow(ctx, queryUpsertEntry,
		entry.Namespace, entry.Key, value, entry.ExpiresAt, entry.UpdatedAt,
	).Scan(&entry.Version, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.Exec(ctx, queryDeleteEntry, namespace, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteNamespace(ctx context.Context, namespace string) (int64, error) {
	tag, err := s.db.Exec(ctx, queryDeleteNamespace, namespace)
	if err != nil {
		return 0, fmt.Errorf("delete cache namespace: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStorage) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.db.Exec(ctx, queryDeleteExpired, now, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
