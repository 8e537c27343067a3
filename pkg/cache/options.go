package cache

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

// Option configures an Engine.
type Option func(*Engine)

// WithConfig applies the near-tier and janitor settings from cfg.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger used for storage failures and janitor runs.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the time source used to compute and evaluate expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics records hits, misses and writes into m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRetryPolicy overrides the policy used to retry writes that failed
// before reaching the database.
func WithRetryPolicy(p pg.RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}
