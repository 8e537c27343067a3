package substrate

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/pgsubstrate/pkg/cache"
	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

// QueueStorage is the combined job and schedule storage.
// queue.PostgresStorage and queue.MemoryStorage both satisfy it.
type QueueStorage interface {
	queue.Storage
	queue.ScheduleStorage
}

// Option configures a Substrate.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	now          func() time.Time
	registry     *prometheus.Registry
	queueStorage QueueStorage
	cacheStorage cache.Storage
	workerID     string
	opsServer    bool
	maintenance  []maintenanceTask
}

type maintenanceTask struct {
	name string
	fn   queue.MaintenanceFunc
}

func defaultOptions() options {
	return options{
		logger:    slog.Default(),
		now:       time.Now,
		opsServer: true,
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithClock overrides the application clock of every engine.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRegistry registers the metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithStorage replaces the Postgres storages, which lets the substrate run
// without a pool (tests, local tooling).
func WithStorage(q QueueStorage, c cache.Storage) Option {
	return func(o *options) {
		o.queueStorage = q
		o.cacheStorage = c
	}
}

// WithWorkerID sets the worker identity recorded on leased jobs.
func WithWorkerID(id string) Option {
	return func(o *options) { o.workerID = id }
}

// WithoutOpsServer keeps Run from serving the ops endpoints. OpsHandler
// remains usable for mounting on an existing router.
func WithoutOpsServer() Option {
	return func(o *options) { o.opsServer = false }
}

// WithMaintenance adds a task to the reaper loop next to the built-in cache
// and firing purges.
func WithMaintenance(name string, fn queue.MaintenanceFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.maintenance = append(o.maintenance, maintenanceTask{name: name, fn: fn})
		}
	}
}
