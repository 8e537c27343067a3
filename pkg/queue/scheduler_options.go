package queue

import (
	"log/slog"
	"time"
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerConfig replaces the default scheduler settings.
func WithSchedulerConfig(cfg SchedulerConfig) SchedulerOption {
	return func(s *Scheduler) {
		s.cfg = cfg
	}
}

// WithCheckInterval sets how often Run evaluates due schedules.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.cfg.CheckInterval = d
		}
	}
}

// WithSchedulerLogger sets the logger for the scheduler.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithSchedulerClock overrides time.Now. Used by tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedulerMetrics records firings on m.
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithQueueValidator checks the target queue of every registered schedule.
// Pass Engine.ValidateQueueName to share the engine's queue rules.
func WithQueueValidator(fn func(queueName string) error) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.validateQueue = fn
		}
	}
}

// WithDefaultScheduleMaxAttempts sets max attempts for definitions that
// leave MaxAttempts at zero.
func WithDefaultScheduleMaxAttempts(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.defaultMaxAttempts = n
		}
	}
}
