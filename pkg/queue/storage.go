package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage persists jobs. Every method is a single atomic unit against the
// backing store; the Engine supplies the clock so that all implementations
// agree on "now".
type Storage interface {
	// Insert stores a new pending job. When job.IdempotencyKey matches a
	// pending or leased job, nothing is inserted and that job's id is
	// returned with existing set to true.
	Insert(ctx context.Context, job *Job) (id int64, existing bool, err error)

	// Claim leases up to limit pending jobs of queueName that are available
	// at now, ordered by priority DESC, available_at ASC, id ASC. Rows locked
	// by concurrent claimers are skipped, never waited for.
	Claim(ctx context.Context, queueName, workerID string, now, leaseUntil time.Time, limit int) ([]*Job, error)

	// Ack marks a job succeeded if token holds a live lease at now.
	Ack(ctx context.Context, id int64, token uuid.UUID, now time.Time) error

	// Fail validates the lease like Ack, then applies the transition returned
	// by decide inside the same atomic unit.
	Fail(ctx context.Context, id int64, token uuid.UUID, now time.Time, decide func(*Job) Transition) (*Job, error)

	// ExtendLease moves lease_expires_at to until for a live lease and reports
	// whether cancellation has been requested.
	ExtendLease(ctx context.Context, id int64, token uuid.UUID, now, until time.Time) (cancelRequested bool, err error)

	// ReapExpired releases up to limit leases that expired at or before now.
	// Jobs out of attempts become dead, cancel-requested jobs become failed,
	// the rest return to pending. attempts is never incremented.
	ReapExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// RequestCancel fails a pending job immediately or flags a leased one.
	RequestCancel(ctx context.Context, id int64, now time.Time) (*Job, error)

	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
	Stats(ctx context.Context) ([]QueueStats, error)

	// PurgeFinished deletes up to limit succeeded and failed jobs finished
	// before the given time. Dead jobs are kept for inspection.
	PurgeFinished(ctx context.Context, before time.Time, limit int) (int64, error)
}

// ScheduleStorage persists schedule definitions and their firings.
type ScheduleStorage interface {
	// UpsertSchedule inserts def or updates the definition with the same
	// name. An existing next_run_at, last_run_at and enabled flag are kept
	// unless the expression or timezone changed.
	UpsertSchedule(ctx context.Context, def *ScheduleDefinition) error
	GetSchedule(ctx context.Context, name string) (*ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]*ScheduleDefinition, error)
	DeleteSchedule(ctx context.Context, name string) error
	SetScheduleEnabled(ctx context.Context, name string, enabled bool, nextRunAt time.Time, now time.Time) error

	// DueSchedules returns up to limit enabled definitions with
	// next_run_at <= now, earliest first.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*ScheduleDefinition, error)

	// RecordFiring inserts the (scheduleID, fireTime) firing. Only when the
	// insert wins is build called and its job enqueued, in the same atomic
	// unit.
	RecordFiring(ctx context.Context, scheduleID uuid.UUID, fireTime time.Time, build func() (*Job, error)) (FiringResult, error)

	// AdvanceSchedule sets next_run_at and last_run_at only if next_run_at
	// still equals expected. It reports whether the row was changed.
	AdvanceSchedule(ctx context.Context, id uuid.UUID, expected, next, lastRun time.Time) (bool, error)

	// PurgeFirings deletes firings created before the given time.
	PurgeFirings(ctx context.Context, before time.Time) (int64, error)
}

// FiringResult describes the outcome of RecordFiring.
type FiringResult struct {
	JobID int64
	// Fired is false when the firing had already been recorded.
	Fired bool
	// Existing is true when the firing was recorded but its idempotency key
	// matched a live job, so no new job was enqueued.
	Existing bool
}
