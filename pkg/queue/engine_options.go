package queue

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the engine time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultMaxAttempts sets max_attempts for jobs enqueued without WithMaxAttempts.
func WithDefaultMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.defaultMaxAttempts = n
		}
	}
}

// WithKnownQueues restricts Enqueue to the given queue names. Without it any
// well-formed name is accepted.
func WithKnownQueues(names ...string) EngineOption {
	return func(e *Engine) {
		for _, n := range names {
			if n != "" {
				e.knownQueues[n] = struct{}{}
			}
		}
	}
}

// WithEngineMetrics records queue activity into m.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRetryPolicy overrides the policy for statements that failed before
// anything was committed.
func WithRetryPolicy(p pg.RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry = p
	}
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority       Priority
	availableAt    *time.Time
	delay          time.Duration
	idempotencyKey string
	maxAttempts    int
	scheduleID     *uuid.UUID
}

// WithPriority sets the job priority (0-100, higher first).
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = p
	}
}

// WithAvailableAt makes the job claimable no earlier than t.
func WithAvailableAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.availableAt = &t
	}
}

// WithDelay makes the job claimable after d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithIdempotencyKey deduplicates against pending and leased jobs with the same key.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.idempotencyKey = key
	}
}

// WithMaxAttempts sets the retry budget, counting the first attempt.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// withScheduleID links the job to the schedule that produced it.
func withScheduleID(id uuid.UUID) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduleID = &id
	}
}
