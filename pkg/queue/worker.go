package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
)

// Wakeups delivers a signal when a job may be available on a queue.
type Wakeups interface {
	Subscribe(queueName string) (<-chan struct{}, func())
}

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeLeaseLost = "lease_lost"
	outcomeAbandoned = "abandoned"
)

// Worker runs a bounded pool of handlers per queue.
type Worker struct {
	engine   *Engine
	cfg      Config
	queues   []string
	workerID string
	backoff  BackoffPolicy
	wakeups  Wakeups
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	loops sync.WaitGroup // one per queue
	jobs  sync.WaitGroup // in-flight handlers

	cancel     context.CancelFunc
	jobsCancel context.CancelCauseFunc
}

// NewWorker creates a worker over engine.
func NewWorker(engine *Engine, opts ...WorkerOption) (*Worker, error) {
	if engine == nil {
		return nil, ErrEngineNil
	}

	options := &workerOptions{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	cfg := options.cfg
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	backoff := options.backoff
	if backoff == nil {
		backoff = cfg.Backoff()
	}

	workerID := options.workerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	return &Worker{
		engine:   engine,
		cfg:      cfg,
		queues:   options.queues,
		workerID: workerID,
		backoff:  backoff,
		wakeups:  options.wakeups,
		metrics:  options.metrics,
		logger:   options.logger.With(logger.Component("worker"), logger.WorkerID(workerID)),
		handlers: make(map[string]Handler),
	}, nil
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// ID returns the worker id recorded as leased_by.
func (w *Worker) ID() string {
	return w.workerID
}

// RegisterHandler binds h to queueName. Handlers are resolved once, before
// Start.
func (w *Worker) RegisterHandler(queueName string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrHandlerNotFound, queueName)
	}
	if err := w.engine.ValidateQueueName(queueName); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerStarted
	}
	if _, ok := w.handlers[queueName]; ok {
		return fmt.Errorf("%w: %q", ErrHandlerExists, queueName)
	}
	w.handlers[queueName] = h
	return nil
}

// Queues returns the queues the worker claims from.
func (w *Worker) Queues() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.queueNames()
}

func (w *Worker) queueNames() []string {
	if len(w.queues) > 0 {
		return slices.Clone(w.queues)
	}
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (w *Worker) handler(queueName string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[queueName]
	return h, ok
}

// Start launches one claim loop per queue in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerStarted
	}
	if len(w.handlers) == 0 {
		return ErrNoHandlers
	}

	queues := w.queueNames()
	loopCtx, cancel := context.WithCancel(ctx)
	// Handlers outlive the claim loops so shutdown can drain them.
	jobsCtx, jobsCancel := context.WithCancelCause(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.jobsCancel = jobsCancel

	for _, q := range queues {
		w.loops.Add(1)
		go func() {
			defer w.loops.Done()
			w.runQueue(loopCtx, jobsCtx, q)
		}()
	}

	w.logger.InfoContext(ctx, "worker started",
		slog.Any("queues", queues),
		slog.Int("max_concurrent", w.cfg.MaxConcurrentJobs),
		slog.Duration("lease", w.cfg.LeaseDuration))

	return nil
}

// Stop stops claiming and waits for in-flight jobs. Jobs still running after
// ShutdownTimeout have their context cancelled; their leases are left to
// expire and are recovered by the reaper.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotStarted
	}
	cancel, jobsCancel := w.cancel, w.jobsCancel
	w.cancel, w.jobsCancel = nil, nil
	w.mu.Unlock()

	cancel()
	w.loops.Wait()

	w.logger.Info("worker stopping, waiting for active jobs to complete")

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		w.logger.Warn("shutdown timeout reached, cancelling active jobs",
			slog.Duration("timeout", w.cfg.ShutdownTimeout))
		jobsCancel(errWorkerShutdown)
		<-done
	}
	jobsCancel(nil)

	w.logger.Info("worker stopped")
	return nil
}

var errWorkerShutdown = errors.New("worker shutdown timeout")

// Run starts the worker and returns a function suitable for errgroup
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return w.Stop()
	}
}

// runQueue claims from one queue while slots are free.
func (w *Worker) runQueue(ctx, jobsCtx context.Context, queueName string) {
	var wake <-chan struct{}
	if w.wakeups != nil {
		ch, unsubscribe := w.wakeups.Subscribe(queueName)
		defer unsubscribe()
		wake = ch
	}

	sem := make(chan struct{}, w.cfg.MaxConcurrentJobs)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		slots, claimed := w.claimBatch(ctx, jobsCtx, queueName, sem)
		if ctx.Err() != nil {
			return
		}
		// A full batch suggests more work is waiting.
		if claimed > 0 && claimed == slots {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// claimBatch waits for a free slot, claims up to the number of free slots
// and dispatches the jobs.
func (w *Worker) claimBatch(ctx, jobsCtx context.Context, queueName string, sem chan struct{}) (int, int) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return 0, 0
	}
	slots := 1
acquire:
	for slots < w.cfg.BatchSize {
		select {
		case sem <- struct{}{}:
			slots++
		default:
			break acquire
		}
	}

	jobs, err := w.engine.Claim(ctx, queueName, w.workerID, w.cfg.LeaseDuration, slots)
	if err != nil && ctx.Err() == nil {
		w.logger.ErrorContext(ctx, "failed to claim jobs",
			logger.Queue(queueName),
			logger.Error(err))
	}
	for range slots - len(jobs) {
		<-sem
	}

	for _, job := range jobs {
		w.jobs.Add(1)
		w.metrics.inFlight(queueName, 1)
		go func() {
			defer w.jobs.Done()
			defer func() { <-sem }()
			defer w.metrics.inFlight(queueName, -1)

			w.process(jobsCtx, job)
		}()
	}
	return slots, len(jobs)
}

// process executes one claimed job and settles it.
func (w *Worker) process(parent context.Context, job *Job) {
	start := time.Now()
	log := w.logger.With(
		logger.JobID(job.ID),
		logger.Queue(job.QueueName),
		logger.Attempt(job.Attempts, job.MaxAttempts))

	// Settlement must happen even if the handler context was cancelled.
	opCtx := context.WithoutCancel(parent)

	h, ok := w.handler(job.QueueName)
	if !ok {
		log.ErrorContext(opCtx, "no handler registered for queue")
		w.settleFailure(opCtx, log, job, Permanent(fmt.Errorf("%w: %q", ErrHandlerNotFound, job.QueueName)), time.Since(start))
		return
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	jc := newJobContext(job, w.engine, w.cfg.LeaseDuration, cancel)
	ctx = withJobContext(ctx, jc)

	log.DebugContext(ctx, "job started")
	stopHeartbeat := w.heartbeat(ctx, log, jc, cancel)
	err := w.invoke(ctx, log, h, job)
	stopHeartbeat()
	duration := time.Since(start)

	switch cause := context.Cause(ctx); {
	case err == nil:
		w.settleSuccess(opCtx, log, job, duration)
	case errors.Is(cause, errWorkerShutdown):
		log.WarnContext(opCtx, "job abandoned at shutdown, lease left to expire",
			logger.Duration(duration),
			logger.Error(err))
		w.metrics.handled(job.QueueName, outcomeAbandoned, duration)
	case errors.Is(cause, ErrLeaseMismatch):
		log.WarnContext(opCtx, "lease lost while running, discarding result",
			logger.Duration(duration))
		w.metrics.handled(job.QueueName, outcomeLeaseLost, duration)
	default:
		if errors.Is(cause, ErrCancelRequested) {
			err = errors.Join(ErrCancelRequested, err)
		}
		w.settleFailure(opCtx, log, job, err, duration)
	}
}

// invoke runs the handler, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context, log *slog.Logger, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
			log.ErrorContext(ctx, "handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	// Handler logs carry the job fields when written through a logger.New logger.
	hctx := logger.ContextWithAttrs(ctx,
		logger.JobID(job.ID),
		logger.Queue(job.QueueName),
		logger.Attempt(job.Attempts, job.MaxAttempts))
	return h.Handle(hctx, job.Payload)
}

// heartbeat renews the lease until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, log *slog.Logger, jc *JobContext, cancel context.CancelCauseFunc) func() {
	interval := w.cfg.Heartbeat()
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := jc.Extend(ctx, w.cfg.LeaseDuration)
			switch {
			case err == nil:
				if jc.CancelRequested() {
					return
				}
			case errors.Is(err, ErrLeaseMismatch):
				cancel(ErrLeaseMismatch)
				return
			case ctx.Err() == nil:
				log.WarnContext(ctx, "failed to renew lease", logger.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) settleSuccess(ctx context.Context, log *slog.Logger, job *Job, duration time.Duration) {
	if err := w.engine.Ack(ctx, job.ID, job.LeaseToken); err != nil {
		if errors.Is(err, ErrLeaseMismatch) {
			w.metrics.handled(job.QueueName, outcomeLeaseLost, duration)
			return
		}
		log.ErrorContext(ctx, "failed to ack job", logger.Error(err))
		w.metrics.handled(job.QueueName, outcomeFailed, duration)
		return
	}

	log.InfoContext(ctx, "job completed", logger.Duration(duration))
	w.metrics.handled(job.QueueName, outcomeSucceeded, duration)
}

func (w *Worker) settleFailure(ctx context.Context, log *slog.Logger, job *Job, cause error, duration time.Duration) {
	log.ErrorContext(ctx, "job failed",
		logger.Duration(duration),
		logger.Error(cause))

	if _, err := w.engine.Fail(ctx, job.ID, job.LeaseToken, cause, w.backoff); err != nil {
		if errors.Is(err, ErrLeaseMismatch) {
			w.metrics.handled(job.QueueName, outcomeLeaseLost, duration)
			return
		}
		log.ErrorContext(ctx, "failed to record job failure", logger.Error(err))
	}
	w.metrics.handled(job.QueueName, outcomeFailed, duration)
}
