package cache

import "time"

// Config holds the cache engine settings.
type Config struct {
	NearSize      int           `env:"CACHE_NEAR_SIZE" envDefault:"0"`       // NearSize enables an in-process LRU tier in front of storage when positive.
	NearTTL       time.Duration `env:"CACHE_NEAR_TTL" envDefault:"5s"`       // NearTTL caps how long a value may be served from the in-process tier.
	PurgeInterval time.Duration `env:"CACHE_PURGE_INTERVAL" envDefault:"1m"` // PurgeInterval is how often the janitor deletes expired rows.
	PurgeBatch    int           `env:"CACHE_PURGE_BATCH" envDefault:"1000"`  // PurgeBatch is the maximum number of rows deleted per statement.
}

// DefaultConfig returns the defaults used when no environment is loaded.
func DefaultConfig() Config {
	return Config{
		NearTTL:       5 * time.Second,
		PurgeInterval: time.Minute,
		PurgeBatch:    1000,
	}
}
