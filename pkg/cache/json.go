package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// GetJSON reads a JSON-encoded value. Entries that fail to decode are
// reported as misses.
func GetJSON[T any](ctx context.Context, e *Engine, namespace, key string) (T, bool) {
	var v T
	raw, ok := e.Get(ctx, namespace, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// SetJSON stores v encoded as JSON.
func SetJSON[T any](ctx context.Context, e *Engine, namespace, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Join(ErrEncodeValue, err)
	}
	return e.Set(ctx, namespace, key, raw, ttl)
}
