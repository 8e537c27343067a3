package queue

import (
	"log/slog"
	"time"
)

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*workerOptions)

type workerOptions struct {
	cfg      Config
	queues   []string
	workerID string
	backoff  BackoffPolicy
	wakeups  Wakeups
	metrics  *Metrics
	logger   *slog.Logger
}

// WithWorkerConfig replaces the default worker settings.
func WithWorkerConfig(cfg Config) WorkerOption {
	return func(o *workerOptions) {
		o.cfg = cfg
	}
}

// WithQueues sets which queues the worker claims from. By default it claims
// from every queue with a registered handler. Jobs claimed from a listed
// queue without a handler are dead-lettered.
func WithQueues(queues ...string) WorkerOption {
	return func(o *workerOptions) {
		o.queues = queues
	}
}

// WithPollInterval sets how often an idle queue is polled.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.cfg.PollInterval = d
		}
	}
}

// WithLeaseDuration sets the lease taken on every claimed job.
func WithLeaseDuration(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.cfg.LeaseDuration = d
		}
	}
}

// WithHeartbeatInterval sets how often in-flight leases are renewed.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.cfg.HeartbeatInterval = d
		}
	}
}

// WithMaxConcurrentJobs sets the number of concurrent jobs per queue.
func WithMaxConcurrentJobs(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.cfg.MaxConcurrentJobs = n
		}
	}
}

// WithBatchSize caps the number of jobs claimed in one round trip.
func WithBatchSize(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.cfg.BatchSize = n
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight jobs before
// cancelling their contexts.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.cfg.ShutdownTimeout = d
		}
	}
}

// WithBackoff sets the retry delay policy passed to Engine.Fail.
func WithBackoff(p BackoffPolicy) WorkerOption {
	return func(o *workerOptions) {
		if p != nil {
			o.backoff = p
		}
	}
}

// WithWakeups lets the worker claim as soon as a job is enqueued instead of
// waiting for the next poll.
func WithWakeups(w Wakeups) WorkerOption {
	return func(o *workerOptions) {
		o.wakeups = w
	}
}

// WithWorkerID overrides the generated worker id recorded on leases.
func WithWorkerID(id string) WorkerOption {
	return func(o *workerOptions) {
		if id != "" {
			o.workerID = id
		}
	}
}

// WithWorkerMetrics records handler outcomes on m.
func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(o *workerOptions) {
		o.metrics = m
	}
}

// WithWorkerLogger sets the logger for the worker
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
