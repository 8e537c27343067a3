package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/pgsubstrate/pkg/cache"
	"github.com/dmitrymomot/pgsubstrate/pkg/httpserver"
	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

// Substrate wires the cache, queue, scheduler, worker and reaper over one
// database. API processes use Cache and Queue directly; worker processes also
// register handlers and call Run.
type Substrate struct {
	Cache     *cache.Engine
	Queue     *queue.Engine
	Scheduler *queue.Scheduler
	Worker    *queue.Worker
	Reaper    *queue.Reaper
	// Listener is nil when the substrate was built without a pool.
	Listener *queue.Listener

	cfg      Config
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	log      *slog.Logger
	opts     options

	mu       sync.Mutex
	running  bool
	handlers int
}

// New builds every component. pool may be nil only when WithStorage supplies
// the storages.
func New(pool *pgxpool.Pool, cfg Config, opts ...Option) (*Substrate, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	queueStorage, cacheStorage := o.queueStorage, o.cacheStorage
	if queueStorage == nil || cacheStorage == nil {
		if pool == nil {
			return nil, ErrNoStorage
		}
		if queueStorage == nil {
			queueStorage = queue.NewPostgresStorage(pool)
		}
		if cacheStorage == nil {
			cacheStorage = cache.NewPostgresStorage(pool)
		}
	}

	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	queueMetrics := queue.NewMetrics(registry)
	cacheMetrics := cache.NewMetrics(registry)

	log := o.logger
	s := &Substrate{cfg: cfg, pool: pool, registry: registry, log: log, opts: o}

	var err error
	s.Cache, err = cache.NewEngine(cacheStorage,
		cache.WithConfig(cfg.Cache),
		cache.WithLogger(log),
		cache.WithClock(o.now),
		cache.WithMetrics(cacheMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("cache engine: %w", err)
	}

	engineOpts := []queue.EngineOption{
		queue.WithLogger(log),
		queue.WithClock(o.now),
		queue.WithEngineMetrics(queueMetrics),
	}
	if cfg.Queue.MaxAttempts > 0 {
		engineOpts = append(engineOpts, queue.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts))
	}
	if len(cfg.Queue.KnownQueues) > 0 {
		engineOpts = append(engineOpts, queue.WithKnownQueues(cfg.Queue.KnownQueues...))
	}
	s.Queue, err = queue.NewEngine(queueStorage, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("queue engine: %w", err)
	}

	s.Scheduler, err = queue.NewScheduler(queueStorage,
		queue.WithSchedulerConfig(cfg.Scheduler),
		queue.WithSchedulerLogger(log),
		queue.WithSchedulerClock(o.now),
		queue.WithSchedulerMetrics(queueMetrics),
		queue.WithQueueValidator(s.Queue.ValidateQueueName),
		queue.WithDefaultScheduleMaxAttempts(cfg.Queue.MaxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	workerOpts := []queue.WorkerOption{
		queue.WithWorkerConfig(cfg.Queue),
		queue.WithWorkerLogger(log),
		queue.WithWorkerMetrics(queueMetrics),
	}
	if o.workerID != "" {
		workerOpts = append(workerOpts, queue.WithWorkerID(o.workerID))
	}
	if pool != nil {
		s.Listener = queue.NewListener(pool, queue.WithListenerLogger(log))
		workerOpts = append(workerOpts, queue.WithWakeups(s.Listener))
	}
	s.Worker, err = queue.NewWorker(s.Queue, workerOpts...)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	reaperOpts := []queue.ReaperOption{
		queue.WithReapInterval(cfg.Queue.ReapInterval),
		queue.WithRetention(cfg.Queue.Retention),
		queue.WithReaperLogger(log),
		queue.WithMaintenance("cache", s.Cache.Purge),
		queue.WithMaintenance("schedule_firings", s.Scheduler.PurgeFirings),
	}
	for _, t := range o.maintenance {
		reaperOpts = append(reaperOpts, queue.WithMaintenance(t.name, t.fn))
	}
	s.Reaper, err = queue.NewReaper(s.Queue, reaperOpts...)
	if err != nil {
		return nil, fmt.Errorf("reaper: %w", err)
	}

	return s, nil
}

// Registry returns the Prometheus registry the components report to.
func (s *Substrate) Registry() *prometheus.Registry {
	return s.registry
}

// RegisterHandler binds h to queueName on the worker. Call before Run.
func (s *Substrate) RegisterHandler(queueName string, h queue.Handler) error {
	if err := s.Worker.RegisterHandler(queueName, h); err != nil {
		return err
	}
	s.mu.Lock()
	s.handlers++
	s.mu.Unlock()
	return nil
}

// RegisterSchedule upserts a schedule definition. Every process may call it at
// startup with the same definitions.
func (s *Substrate) RegisterSchedule(ctx context.Context, def queue.ScheduleDefinition) (*queue.ScheduleDefinition, error) {
	return s.Scheduler.Register(ctx, def)
}

// EnqueueTx enqueues a job inside the caller's transaction. The job becomes
// visible to workers only when tx commits.
func (s *Substrate) EnqueueTx(ctx context.Context, tx pgx.Tx, queueName string, payload any, opts ...queue.EnqueueOption) (int64, error) {
	return s.Queue.WithStorage(queue.NewPostgresStorage(tx)).Enqueue(ctx, queueName, payload, opts...)
}

// Run starts the background loops and blocks until ctx is cancelled or one of
// them fails: the LISTEN connection, the scheduler, the reaper, the worker
// (when handlers are registered) and the ops server. In-flight jobs are given
// Queue.ShutdownTimeout to finish.
func (s *Substrate) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	handlers := s.handlers
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	s.log.InfoContext(ctx, "substrate starting",
		slog.Int("handlers", handlers),
		slog.Bool("ops_server", s.opts.opsServer))

	g, gctx := errgroup.WithContext(ctx)

	if s.Listener != nil {
		g.Go(func() error { return s.Listener.Run(gctx) })
	}
	g.Go(func() error { return s.Scheduler.Run(gctx) })
	g.Go(func() error { return s.Reaper.Run(gctx) })
	if handlers > 0 {
		g.Go(s.Worker.Run(gctx))
	}
	if s.opts.opsServer {
		srv := httpserver.NewFromConfig(s.cfg.Ops, httpserver.WithLogger(s.log))
		g.Go(func() error { return srv.Run(gctx, s.OpsHandler()) })
	}

	err := g.Wait()
	if err != nil {
		s.log.ErrorContext(ctx, "substrate stopped with error", logger.Error(err), logger.Duration(time.Since(start)))
		return err
	}
	s.log.InfoContext(ctx, "substrate stopped", logger.Duration(time.Since(start)))
	return nil
}

// OpsHandler serves /healthz, /readyz and /metrics.
func (s *Substrate) OpsHandler() http.Handler {
	return newOpsRouter(s)
}
