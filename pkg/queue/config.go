package queue

import "time"

// Config holds the queue engine, worker and reaper settings.
type Config struct {
	PollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LeaseDuration     time.Duration `env:"QUEUE_LEASE_DURATION" envDefault:"5m"`
	HeartbeatInterval time.Duration `env:"QUEUE_HEARTBEAT_INTERVAL" envDefault:"0"` // 0 means LeaseDuration/3
	BatchSize         int           `env:"QUEUE_BATCH_SIZE" envDefault:"10"`
	MaxConcurrentJobs int           `env:"QUEUE_MAX_CONCURRENT_JOBS" envDefault:"4"` // per queue
	ShutdownTimeout   time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ReapInterval      time.Duration `env:"QUEUE_REAP_INTERVAL" envDefault:"15s"`
	MaxAttempts       int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase       time.Duration `env:"QUEUE_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax        time.Duration `env:"QUEUE_BACKOFF_MAX" envDefault:"10m"`
	BackoffJitter     float64       `env:"QUEUE_BACKOFF_JITTER" envDefault:"0.2"`
	Retention         time.Duration `env:"QUEUE_RETENTION" envDefault:"168h"` // succeeded/failed jobs
	KnownQueues       []string      `env:"QUEUE_KNOWN_QUEUES" envSeparator:","`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		LeaseDuration:     5 * time.Minute,
		BatchSize:         10,
		MaxConcurrentJobs: 4,
		ShutdownTimeout:   30 * time.Second,
		ReapInterval:      15 * time.Second,
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMax:        10 * time.Minute,
		BackoffJitter:     0.2,
		Retention:         7 * 24 * time.Hour,
	}
}

// Backoff returns the exponential policy described by the config.
func (c Config) Backoff() ExponentialBackoff {
	return ExponentialBackoff{Base: c.BackoffBase, Max: c.BackoffMax, Jitter: c.BackoffJitter}
}

// Heartbeat returns the effective lease renewal period.
func (c Config) Heartbeat() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return c.LeaseDuration / 3
}

// SchedulerConfig holds the scheduler settings.
type SchedulerConfig struct {
	CheckInterval   time.Duration `env:"SCHEDULER_CHECK_INTERVAL" envDefault:"5s"`
	BatchSize       int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`
	MaxCatchUp      int           `env:"SCHEDULER_MAX_CATCH_UP" envDefault:"100"`
	FiringRetention time.Duration `env:"SCHEDULER_FIRING_RETENTION" envDefault:"720h"`
}

// DefaultSchedulerConfig mirrors the envDefault tags.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CheckInterval:   5 * time.Second,
		BatchSize:       100,
		MaxCatchUp:      100,
		FiringRetention: 30 * 24 * time.Hour,
	}
}
