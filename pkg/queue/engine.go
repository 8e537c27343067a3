package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

const (
	leaseExpiredMessage = "lease expired"
	cancelledMessage    = "cancelled"
	maintenanceBatch    = 1000
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// Engine is the durable job queue. It owns the job lifecycle rules; the
// Storage only applies them atomically.
type Engine struct {
	storage            Storage
	log                *slog.Logger
	now                func() time.Time
	defaultMaxAttempts int
	knownQueues        map[string]struct{}
	metrics            *Metrics
	retry              pg.RetryPolicy
}

// NewEngine creates a queue engine over storage.
func NewEngine(storage Storage, opts ...EngineOption) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	e := &Engine{
		storage:            storage,
		log:                slog.Default(),
		now:                time.Now,
		defaultMaxAttempts: DefaultConfig().MaxAttempts,
		knownQueues:        make(map[string]struct{}),
		retry:              pg.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logger.Component("queue"))

	return e, nil
}

// WithStorage returns a copy of the engine bound to s. Pass a storage built
// over a pgx.Tx to enqueue in the caller's transaction.
func (e *Engine) WithStorage(s Storage) *Engine {
	cp := *e
	cp.storage = s
	return &cp
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}

// ValidateQueueName rejects malformed names and, when known queues are
// configured, names outside that set.
func (e *Engine) ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return Permanent(fmt.Errorf("%w: %q", ErrInvalidQueueName, name))
	}
	if len(e.knownQueues) > 0 {
		if _, ok := e.knownQueues[name]; !ok {
			return Permanent(fmt.Errorf("%w: %q", ErrUnknownQueue, name))
		}
	}
	return nil
}

// Enqueue stores a new pending job and returns its id. When an idempotency
// key is given and a pending or leased job already carries it, the existing
// job's id is returned and nothing is inserted.
//
// payload may be a json.RawMessage or []byte holding JSON, or any value
// json.Marshal accepts. A nil payload is stored as {}.
func (e *Engine) Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (int64, error) {
	if err := e.ValidateQueueName(queueName); err != nil {
		return 0, err
	}

	o := enqueueOptions{
		priority:    PriorityDefault,
		maxAttempts: e.defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.priority.Valid() {
		return 0, Permanent(ErrInvalidPriority)
	}
	if o.maxAttempts <= 0 {
		return 0, Permanent(ErrInvalidMaxAttempts)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return 0, Permanent(err)
	}

	now := e.now()
	availableAt := now.Add(o.delay)
	if o.availableAt != nil {
		availableAt = *o.availableAt
	}

	job := &Job{
		QueueName:      queueName,
		Payload:        raw,
		Priority:       o.priority,
		Status:         StatusPending,
		MaxAttempts:    o.maxAttempts,
		AvailableAt:    availableAt,
		IdempotencyKey: o.idempotencyKey,
		ScheduleID:     o.scheduleID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	type inserted struct {
		id       int64
		existing bool
	}
	res, err := pg.RetryWithData(ctx, e.retry, func() (inserted, error) {
		id, existing, err := e.storage.Insert(ctx, job)
		return inserted{id: id, existing: existing}, err
	})
	if err != nil {
		return 0, classify("enqueue", err)
	}

	if res.existing {
		e.log.DebugContext(ctx, "idempotent enqueue matched existing job",
			logger.JobID(res.id),
			logger.Queue(queueName),
			slog.String("idempotency_key", o.idempotencyKey))
		e.metrics.deduplicated(queueName)
		return res.id, nil
	}

	e.log.DebugContext(ctx, "job enqueued",
		logger.JobID(res.id),
		logger.Queue(queueName),
		slog.Int("priority", int(o.priority)))
	e.metrics.enqueued(queueName)
	return res.id, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return slices.Clone(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return slices.Clone(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Join(ErrPayloadMarshal, err)
		}
		return raw, nil
	}
}

// Claim leases up to batchSize available jobs of queueName to workerID.
// Concurrent callers never receive the same job.
func (e *Engine) Claim(ctx context.Context, queueName, workerID string, leaseDuration time.Duration, batchSize int) ([]*Job, error) {
	if err := e.ValidateQueueName(queueName); err != nil {
		return nil, err
	}
	if leaseDuration <= 0 {
		return nil, Permanent(ErrInvalidLease)
	}
	if batchSize <= 0 {
		return nil, Permanent(ErrInvalidBatchSize)
	}

	now := e.now()
	jobs, err := pg.RetryWithData(ctx, e.retry, func() ([]*Job, error) {
		return e.storage.Claim(ctx, queueName, workerID, now, now.Add(leaseDuration), batchSize)
	})
	if err != nil {
		return nil, classify("claim", err)
	}
	slices.SortFunc(jobs, compareClaimOrder)

	if len(jobs) > 0 {
		e.log.DebugContext(ctx, "jobs claimed",
			logger.Queue(queueName),
			logger.WorkerID(workerID),
			slog.Int("count", len(jobs)))
		e.metrics.claimed(queueName, len(jobs))
	}
	return jobs, nil
}

// Ack marks the job succeeded. It returns ErrLeaseMismatch if the token no
// longer holds a live lease; the caller's work must then be discarded.
func (e *Engine) Ack(ctx context.Context, jobID int64, leaseToken uuid.UUID) error {
	now := e.now()
	err := pg.Retry(ctx, e.retry, func() error {
		return e.storage.Ack(ctx, jobID, leaseToken, now)
	})
	if err != nil {
		if errors.Is(err, ErrLeaseMismatch) {
			e.leaseMismatch(ctx, "ack", jobID)
		}
		return classify("ack", err)
	}

	e.log.DebugContext(ctx, "job acked", logger.JobID(jobID))
	e.metrics.acked()
	return nil
}

// Fail records a failed attempt. The job returns to pending after
// policy.Delay(attempts) while attempts remain, and becomes dead otherwise.
// Permanent errors dead-letter the job at once; a job with a pending cancel
// request ends as failed. A nil policy means DefaultBackoff.
func (e *Engine) Fail(ctx context.Context, jobID int64, leaseToken uuid.UUID, cause error, policy BackoffPolicy) (*Job, error) {
	if policy == nil {
		policy = DefaultBackoff
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	now := e.now()
	decide := func(j *Job) Transition {
		switch {
		case j.CancelRequested || errors.Is(cause, ErrCancelRequested):
			return Transition{Status: StatusFailed, LastError: msg}
		case IsPermanent(cause):
			return Transition{Status: StatusDead, LastError: msg}
		case j.Attempts >= j.MaxAttempts:
			return Transition{Status: StatusDead, LastError: msg}
		default:
			return Transition{
				Status:      StatusPending,
				AvailableAt: now.Add(policy.Delay(j.Attempts)),
				LastError:   msg,
			}
		}
	}

	job, err := pg.RetryWithData(ctx, e.retry, func() (*Job, error) {
		return e.storage.Fail(ctx, jobID, leaseToken, now, decide)
	})
	if err != nil {
		if errors.Is(err, ErrLeaseMismatch) {
			e.leaseMismatch(ctx, "fail", jobID)
		}
		return nil, classify("fail", err)
	}

	switch job.Status {
	case StatusDead:
		e.log.WarnContext(ctx, "job dead-lettered",
			logger.JobID(job.ID),
			logger.Queue(job.QueueName),
			logger.Attempt(job.Attempts, job.MaxAttempts),
			slog.String("last_error", job.LastError))
		e.metrics.dead(job.QueueName)
	case StatusFailed:
		e.log.InfoContext(ctx, "cancelled job finished",
			logger.JobID(job.ID),
			logger.Queue(job.QueueName))
	default:
		e.log.DebugContext(ctx, "job scheduled for retry",
			logger.JobID(job.ID),
			logger.Queue(job.QueueName),
			logger.Attempt(job.Attempts, job.MaxAttempts),
			slog.Time("available_at", job.AvailableAt))
	}
	e.metrics.failed(job.QueueName)
	return job, nil
}

// ExtendLease pushes the lease expiry to now+d. The first result reports
// whether cancellation was requested for the job.
func (e *Engine) ExtendLease(ctx context.Context, jobID int64, leaseToken uuid.UUID, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, Permanent(ErrInvalidLease)
	}
	now := e.now()
	cancelRequested, err := pg.RetryWithData(ctx, e.retry, func() (bool, error) {
		return e.storage.ExtendLease(ctx, jobID, leaseToken, now, now.Add(d))
	})
	if err != nil {
		if errors.Is(err, ErrLeaseMismatch) {
			e.leaseMismatch(ctx, "extend", jobID)
		}
		return false, classify("extend lease", err)
	}
	return cancelRequested, nil
}

// ReapExpiredLeases releases every lease that expired without an ack or
// fail, making the jobs claimable again. It returns the number of jobs reaped.
func (e *Engine) ReapExpiredLeases(ctx context.Context) (int64, error) {
	now := e.now()

	var total int64
	for {
		jobs, err := pg.RetryWithData(ctx, e.retry, func() ([]*Job, error) {
			return e.storage.ReapExpired(ctx, now, maintenanceBatch)
		})
		if err != nil {
			return total, classify("reap", err)
		}

		for _, j := range jobs {
			e.log.WarnContext(ctx, "reaped expired lease",
				logger.JobID(j.ID),
				logger.Queue(j.QueueName),
				logger.Attempt(j.Attempts, j.MaxAttempts),
				slog.String("status", string(j.Status)))
			e.metrics.reaped(j.QueueName)
			if j.Status == StatusDead {
				e.metrics.dead(j.QueueName)
			}
		}
		total += int64(len(jobs))

		if len(jobs) < maintenanceBatch {
			return total, nil
		}
	}
}

// RequestCancel fails a pending job immediately. For a leased job it sets
// cancel_requested; the worker holding the lease observes the flag on its
// next lease renewal. Finished jobs return ErrJobFinished.
func (e *Engine) RequestCancel(ctx context.Context, jobID int64) error {
	job, err := e.storage.RequestCancel(ctx, jobID, e.now())
	if err != nil {
		return classify("cancel", err)
	}
	e.log.InfoContext(ctx, "job cancellation requested",
		logger.JobID(job.ID),
		logger.Queue(job.QueueName),
		slog.String("status", string(job.Status)))
	return nil
}

// Get returns a job by id.
func (e *Engine) Get(ctx context.Context, jobID int64) (*Job, error) {
	job, err := e.storage.Get(ctx, jobID)
	if err != nil {
		return nil, classify("get job", err)
	}
	return job, nil
}

// List returns jobs matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, Permanent(fmt.Errorf("unknown status %q", filter.Status))
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	jobs, err := e.storage.List(ctx, filter)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	return jobs, nil
}

// ListDead returns dead-lettered jobs, optionally restricted to one queue.
func (e *Engine) ListDead(ctx context.Context, queueName string, limit int) ([]*Job, error) {
	return e.List(ctx, JobFilter{QueueName: queueName, Status: StatusDead, Limit: limit})
}

// Replay enqueues a fresh pending copy of a dead or failed job and returns
// the new id. The original row is left untouched.
func (e *Engine) Replay(ctx context.Context, jobID int64) (int64, error) {
	job, err := e.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != StatusDead && job.Status != StatusFailed {
		return 0, fmt.Errorf("%w: job %d is %s", ErrJobNotReplayable, jobID, job.Status)
	}

	opts := []EnqueueOption{
		WithPriority(job.Priority),
		WithMaxAttempts(job.MaxAttempts),
	}
	if job.IdempotencyKey != "" {
		opts = append(opts, WithIdempotencyKey(job.IdempotencyKey))
	}
	if job.ScheduleID != nil {
		opts = append(opts, withScheduleID(*job.ScheduleID))
	}

	id, err := e.Enqueue(ctx, job.QueueName, job.Payload, opts...)
	if err != nil {
		return 0, err
	}
	e.log.InfoContext(ctx, "job replayed",
		logger.JobID(id),
		slog.Int64("replay_of", jobID),
		logger.Queue(job.QueueName))
	return id, nil
}

// Stats returns job counts per queue and status.
func (e *Engine) Stats(ctx context.Context) ([]QueueStats, error) {
	stats, err := e.storage.Stats(ctx)
	if err != nil {
		return nil, classify("stats", err)
	}
	return stats, nil
}

// PurgeFinished deletes succeeded and failed jobs that finished more than
// olderThan ago. Dead jobs are never purged.
func (e *Engine) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	before := e.now().Add(-olderThan)

	var total int64
	for {
		n, err := e.storage.PurgeFinished(ctx, before, maintenanceBatch)
		total += n
		if err != nil {
			return total, classify("purge jobs", err)
		}
		if n < maintenanceBatch {
			return total, nil
		}
	}
}

func (e *Engine) leaseMismatch(ctx context.Context, op string, jobID int64) {
	e.log.WarnContext(ctx, "lease no longer held, discarding result",
		slog.String("op", op),
		logger.JobID(jobID))
	e.metrics.leaseMismatch(op)
}
