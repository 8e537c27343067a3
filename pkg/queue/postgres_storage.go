package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying queue names of newly
// enqueued jobs.
const NotifyChannel = "pgsubstrate_jobs"

// PostgresStorage implements Storage and ScheduleStorage on the job_queue,
// scheduled_jobs and schedule_firings tables.
type PostgresStorage struct {
	db            pg.DB
	notifyChannel string
}

// PostgresOption configures a PostgresStorage.
type PostgresOption func(*PostgresStorage)

// WithNotifyChannel changes the channel notified on enqueue. An empty name
// disables notifications.
func WithNotifyChannel(name string) PostgresOption {
	return func(s *PostgresStorage) {
		s.notifyChannel = name
	}
}

// NewPostgresStorage creates a storage over db. db may be a pool or a pgx.Tx;
// with a transaction, enqueued jobs become visible when it commits.
func NewPostgresStorage(db pg.DB, opts ...PostgresOption) *PostgresStorage {
	s := &PostgresStorage{db: db, notifyChannel: NotifyChannel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const jobColumns = `id, queue_name, payload, priority, status, attempts, max_attempts, available_at,
	lease_token, lease_expires_at, leased_by, last_error, idempotency_key, cancel_requested,
	schedule_id, created_at, updated_at, finished_at`

const jobColumnsQualified = `j.id, j.queue_name, j.payload, j.priority, j.status, j.attempts, j.max_attempts, j.available_at,
	j.lease_token, j.lease_expires_at, j.leased_by, j.last_error, j.idempotency_key, j.cancel_requested,
	j.schedule_id, j.created_at, j.updated_at, j.finished_at`

const (
	// The notify runs in the same statement as the insert, so it is sent on
	// commit and only when a row was actually inserted.
	queryInsertJob = `
		WITH ins AS (
			INSERT INTO job_queue (queue_name, payload, priority, status, attempts, max_attempts,
				available_at, idempotency_key, schedule_id, created_at, updated_at)
			VALUES ($1, $2::jsonb, $3, 'pending', 0, $4, $5, NULLIF($6, ''), $7, $8, $8)
			ON CONFLICT (idempotency_key)
				WHERE idempotency_key IS NOT NULL AND status IN ('pending', 'leased')
				DO NOTHING
			RETURNING id, queue_name
		)
		SELECT id, CASE WHEN $9::text <> '' THEN pg_notify($9::text, queue_name) END::text
		FROM ins`

	querySelectLiveByKey = `
		SELECT id FROM job_queue
		WHERE idempotency_key = $1 AND status IN ('pending', 'leased')`

	queryClaimJobs = `
		WITH next AS (
			SELECT id FROM job_queue
			WHERE queue_name = $1 AND status = 'pending' AND available_at <= $2
			ORDER BY priority DESC, available_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_queue AS j
		SET status           = 'leased',
		    lease_token      = gen_random_uuid(),
		    lease_expires_at = $4,
		    leased_by        = $5,
		    attempts         = j.attempts + 1,
		    updated_at       = $2
		FROM next
		WHERE j.id = next.id
		RETURNING ` + jobColumnsQualified

	queryAckJob = `
		UPDATE job_queue
		SET status = 'succeeded', lease_token = NULL, lease_expires_at = NULL, leased_by = NULL,
		    updated_at = $3, finished_at = $3
		WHERE id = $1 AND status = 'leased' AND lease_token = $2 AND lease_expires_at > $3`

	querySelectJobForUpdate = `SELECT ` + jobColumns + ` FROM job_queue WHERE id = $1 FOR UPDATE`

	queryApplyTransition = `
		UPDATE job_queue
		SET status = $2::text, available_at = $3, last_error = $4,
		    lease_token = NULL, lease_expires_at = NULL, leased_by = NULL,
		    updated_at = $5,
		    finished_at = CASE WHEN $2::text IN ('succeeded', 'failed', 'dead') THEN $5 ELSE NULL END
		WHERE id = $1
		RETURNING ` + jobColumns

	queryExtendLease = `
		UPDATE job_queue
		SET lease_expires_at = $4, updated_at = $3
		WHERE id = $1 AND status = 'leased' AND lease_token = $2 AND lease_expires_at > $3
		RETURNING cancel_requested`

	queryReapExpired = `
		UPDATE job_queue AS j
		SET status = CASE
		        WHEN j.cancel_requested THEN 'failed'
		        WHEN j.attempts >= j.max_attempts THEN 'dead'
		        ELSE 'pending' END,
		    available_at = CASE
		        WHEN j.cancel_requested OR j.attempts >= j.max_attempts THEN j.available_at
		        ELSE $1 END,
		    finished_at = CASE
		        WHEN j.cancel_requested OR j.attempts >= j.max_attempts THEN $1
		        ELSE NULL END,
		    last_error = $3,
		    lease_token = NULL, lease_expires_at = NULL, leased_by = NULL,
		    updated_at = $1
		FROM (
			SELECT id FROM job_queue
			WHERE status = 'leased' AND lease_expires_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AS expired
		WHERE j.id = expired.id
		RETURNING ` + jobColumnsQualified

	queryCancelPending = `
		UPDATE job_queue
		SET status = 'failed', last_error = $3, updated_at = $2, finished_at = $2
		WHERE id = $1
		RETURNING ` + jobColumns

	queryCancelLeased = `
		UPDATE job_queue
		SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1
		RETURNING ` + jobColumns

	queryGetJob = `SELECT ` + jobColumns + ` FROM job_queue WHERE id = $1`

	queryListJobs = `
		SELECT ` + jobColumns + ` FROM job_queue
		WHERE ($1::text = '' OR queue_name = $1) AND ($2::text = '' OR status = $2)
		ORDER BY id DESC
		LIMIT $3 OFFSET $4`

	queryJobStats = `
		SELECT queue_name, status, COUNT(*)
		FROM job_queue
		GROUP BY queue_name, status
		ORDER BY queue_name`

	queryPurgeFinished = `
		DELETE FROM job_queue
		WHERE id IN (
			SELECT id FROM job_queue
			WHERE status IN ('succeeded', 'failed') AND finished_at < $1
			ORDER BY id
			LIMIT $2
		)`

	queryJobExists = `SELECT EXISTS (SELECT 1 FROM job_queue WHERE id = $1)`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j              Job
		payload        []byte
		priority       int
		status         string
		leaseToken     *uuid.UUID
		leasedBy       *string
		lastError      *string
		idempotencyKey *string
	)
	err := row.Scan(
		&j.ID, &j.QueueName, &payload, &priority, &status, &j.Attempts, &j.MaxAttempts, &j.AvailableAt,
		&leaseToken, &j.LeaseExpiresAt, &leasedBy, &lastError, &idempotencyKey, &j.CancelRequested,
		&j.ScheduleID, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = payload
	j.Priority = Priority(priority)
	j.Status = Status(status)
	if leaseToken != nil {
		j.LeaseToken = *leaseToken
	}
	if leasedBy != nil {
		j.LeasedBy = *leasedBy
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	if idempotencyKey != nil {
		j.IdempotencyKey = *idempotencyKey
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStorage) Insert(ctx context.Context, job *Job) (int64, bool, error) {
	id, existing, err := s.insertJob(ctx, s.db, job)
	if err != nil {
		return 0, false, err
	}
	job.ID = id
	return id, existing, nil
}

// insertJob runs the idempotent insert on db. A concurrent transition of the
// conflicting job to a terminal state can make both the insert and the lookup
// miss; the pair is retried a few times in that case.
func (s *PostgresStorage) insertJob(ctx context.Context, db pg.DB, job *Job) (int64, bool, error) {
	for range 3 {
		var id int64
		err := db.QueryRow(ctx, queryInsertJob,
			job.QueueName, string(job.Payload), int(job.Priority), job.MaxAttempts,
			job.AvailableAt, job.IdempotencyKey, job.ScheduleID, job.CreatedAt,
			s.notifyChannel,
		).Scan(&id, nil)
		if err == nil {
			return id, false, nil
		}
		if !pg.IsNotFoundError(err) {
			return 0, false, fmt.Errorf("insert job: %w", err)
		}

		err = db.QueryRow(ctx, querySelectLiveByKey, job.IdempotencyKey).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !pg.IsNotFoundError(err) {
			return 0, false, fmt.Errorf("select job by idempotency key: %w", err)
		}
	}
	return 0, false, fmt.Errorf("insert job: idempotency key %q kept changing state", job.IdempotencyKey)
}

func (s *PostgresStorage) Claim(ctx context.Context, queueName, workerID string, now, leaseUntil time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.Query(ctx, queryClaimJobs, queueName, now, limit, leaseUntil, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStorage) Ack(ctx context.Context, id int64, token uuid.UUID, now time.Time) error {
	tag, err := s.db.Exec(ctx, queryAckJob, id, token, now)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingLease(ctx, id)
	}
	return nil
}

// missingLease tells a lost lease apart from an unknown job.
func (s *PostgresStorage) missingLease(ctx context.Context, id int64) error {
	var exists bool
	if err := s.db.QueryRow(ctx, queryJobExists, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrLeaseMismatch
}

func (s *PostgresStorage) Fail(ctx context.Context, id int64, token uuid.UUID, now time.Time, decide func(*Job) Transition) (*Job, error) {
	var updated *Job
	err := pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx, querySelectJobForUpdate, id))
		if err != nil {
			if pg.IsNotFoundError(err) {
				return ErrJobNotFound
			}
			return fmt.Errorf("lock job: %w", err)
		}
		if !current.LeaseValid(token, now) {
			return ErrLeaseMismatch
		}

		t := decide(current)
		availableAt := current.AvailableAt
		if t.Status == StatusPending {
			availableAt = t.AvailableAt
		}

		updated, err = scanJob(tx.QueryRow(ctx, queryApplyTransition,
			id, string(t.Status), availableAt, t.LastError, now))
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStorage) ExtendLease(ctx context.Context, id int64, token uuid.UUID, now, until time.Time) (bool, error) {
	var cancelRequested bool
	err := s.db.QueryRow(ctx, queryExtendLease, id, token, now, until).Scan(&cancelRequested)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return false, s.missingLease(ctx, id)
		}
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return cancelRequested, nil
}

func (s *PostgresStorage) ReapExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.Query(ctx, queryReapExpired, now, limit, leaseExpiredMessage)
	if err != nil {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStorage) RequestCancel(ctx context.Context, id int64, now time.Time) (*Job, error) {
	var result *Job
	err := pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx, querySelectJobForUpdate, id))
		if err != nil {
			if pg.IsNotFoundError(err) {
				return ErrJobNotFound
			}
			return fmt.Errorf("lock job: %w", err)
		}

		switch current.Status {
		case StatusPending:
			result, err = scanJob(tx.QueryRow(ctx, queryCancelPending, id, now, cancelledMessage))
		case StatusLeased:
			result, err = scanJob(tx.QueryRow(ctx, queryCancelLeased, id, now))
		default:
			result = current
			return ErrJobFinished
		}
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *PostgresStorage) Get(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, queryGetJob, id))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStorage) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, queryListJobs,
		filter.QueueName, string(filter.Status), limit, max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStorage) Stats(ctx context.Context) ([]QueueStats, error) {
	rows, err := s.db.Query(ctx, queryJobStats)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var stats []QueueStats
	for rows.Next() {
		var (
			queueName, status string
			count             int
		)
		if err := rows.Scan(&queueName, &status, &count); err != nil {
			return nil, fmt.Errorf("job stats: %w", err)
		}
		if len(stats) == 0 || stats[len(stats)-1].QueueName != queueName {
			stats = append(stats, QueueStats{QueueName: queueName, Counts: make(map[Status]int)})
		}
		stats[len(stats)-1].Counts[Status(status)] = count
	}
	return stats, rows.Err()
}

func (s *PostgresStorage) PurgeFinished(ctx context.Context, before time.Time, limit int) (int64, error) {
	tag, err := s.db.Exec(ctx, queryPurgeFinished, before, limit)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ Storage         = (*PostgresStorage)(nil)
	_ ScheduleStorage = (*PostgresStorage)(nil)
)
