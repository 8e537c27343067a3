package cache

import "errors"

var (
	ErrNotFound        = errors.New("cache entry not found")
	ErrInvalidKey      = errors.New("cache namespace and key must not be empty")
	ErrNilStorage      = errors.New("cache storage is required")
	ErrEncodeValue     = errors.New("failed to encode cache value")
	ErrStorageFailure  = errors.New("cache storage failure")
	ErrInvalidPurgeCfg = errors.New("cache purge interval and batch must be positive")
)
