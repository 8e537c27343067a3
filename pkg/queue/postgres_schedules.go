package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

const scheduleColumns = `id, name, expression, timezone, queue_name, payload_template,
	idempotency_key_template, priority, max_attempts, catch_up, next_run_at, last_run_at,
	enabled, created_at, updated_at`

const (
	queryUpsertSchedule = `
		INSERT INTO scheduled_jobs (id, name, expression, timezone, queue_name, payload_template,
			idempotency_key_template, priority, max_attempts, catch_up, next_run_at, enabled,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (name) DO UPDATE
		SET queue_name               = EXCLUDED.queue_name,
		    payload_template         = EXCLUDED.payload_template,
		    idempotency_key_template = EXCLUDED.idempotency_key_template,
		    priority                 = EXCLUDED.priority,
		    max_attempts             = EXCLUDED.max_attempts,
		    catch_up                 = EXCLUDED.catch_up,
		    next_run_at = CASE
		        WHEN scheduled_jobs.expression = EXCLUDED.expression
		         AND scheduled_jobs.timezone = EXCLUDED.timezone
		        THEN scheduled_jobs.next_run_at
		        ELSE EXCLUDED.next_run_at END,
		    expression               = EXCLUDED.expression,
		    timezone                 = EXCLUDED.timezone,
		    updated_at               = EXCLUDED.updated_at
		RETURNING id, next_run_at, last_run_at, enabled, created_at`

	queryGetSchedule = `SELECT ` + scheduleColumns + ` FROM scheduled_jobs WHERE name = $1`

	queryListSchedules = `SELECT ` + scheduleColumns + ` FROM scheduled_jobs ORDER BY name`

	queryDeleteSchedule = `DELETE FROM scheduled_jobs WHERE name = $1`

	querySetScheduleEnabled = `
		UPDATE scheduled_jobs
		SET enabled = $2, next_run_at = COALESCE($3, next_run_at), updated_at = $4
		WHERE name = $1`

	queryDueSchedules = `
		SELECT ` + scheduleColumns + ` FROM scheduled_jobs
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at, name
		LIMIT $2`

	queryInsertFiring = `
		INSERT INTO schedule_firings (schedule_id, fire_time)
		VALUES ($1, $2)
		ON CONFLICT (schedule_id, fire_time) DO NOTHING
		RETURNING id`

	querySelectFiringJob = `
		SELECT COALESCE(job_id, 0) FROM schedule_firings
		WHERE schedule_id = $1 AND fire_time = $2`

	queryLinkFiringJob = `UPDATE schedule_firings SET job_id = $2 WHERE id = $1`

	queryAdvanceSchedule = `
		UPDATE scheduled_jobs
		SET next_run_at = $3, last_run_at = $4, updated_at = NOW()
		WHERE id = $1 AND next_run_at = $2`

	queryPurgeFirings = `DELETE FROM schedule_firings WHERE created_at < $1`
)

func scanSchedule(row rowScanner) (*ScheduleDefinition, error) {
	var (
		d        ScheduleDefinition
		priority int
		catchUp  string
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Expression, &d.Timezone, &d.QueueName, &d.PayloadTemplate,
		&d.IdempotencyKeyTemplate, &priority, &d.MaxAttempts, &catchUp, &d.NextRunAt, &d.LastRunAt,
		&d.Enabled, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Priority = Priority(priority)
	d.CatchUp = CatchUpPolicy(catchUp)
	return &d, nil
}

func (s *PostgresStorage) UpsertSchedule(ctx context.Context, def *ScheduleDefinition) error {
	err := s.db.QueryRow(ctx, queryUpsertSchedule,
		def.ID, def.Name, def.Expression, def.Timezone, def.QueueName, def.PayloadTemplate,
		def.IdempotencyKeyTemplate, int(def.Priority), def.MaxAttempts, string(def.CatchUp),
		def.NextRunAt, def.Enabled, def.UpdatedAt,
	).Scan(&def.ID, &def.NextRunAt, &def.LastRunAt, &def.Enabled, &def.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetSchedule(ctx context.Context, name string) (*ScheduleDefinition, error) {
	def, err := scanSchedule(s.db.QueryRow(ctx, queryGetSchedule, name))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return def, nil
}

func (s *PostgresStorage) querySchedules(ctx context.Context, sql string, args ...any) ([]*ScheduleDefinition, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *PostgresStorage) ListSchedules(ctx context.Context) ([]*ScheduleDefinition, error) {
	defs, err := s.querySchedules(ctx, queryListSchedules)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return defs, nil
}

func (s *PostgresStorage) DeleteSchedule(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, queryDeleteSchedule, name)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *PostgresStorage) SetScheduleEnabled(ctx context.Context, name string, enabled bool, nextRunAt, now time.Time) error {
	var next *time.Time
	if !nextRunAt.IsZero() {
		next = &nextRunAt
	}
	tag, err := s.db.Exec(ctx, querySetScheduleEnabled, name, enabled, next, now)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *PostgresStorage) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*ScheduleDefinition, error) {
	defs, err := s.querySchedules(ctx, queryDueSchedules, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	return defs, nil
}

// RecordFiring relies on the UNIQUE (schedule_id, fire_time) constraint:
// concurrent callers for the same occurrence serialize on the index entry and
// exactly one of them gets a row back from the insert.
func (s *PostgresStorage) RecordFiring(ctx context.Context, scheduleID uuid.UUID, fireTime time.Time, build func() (*Job, error)) (FiringResult, error) {
	var res FiringResult
	err := pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var firingID int64
		err := tx.QueryRow(ctx, queryInsertFiring, scheduleID, fireTime).Scan(&firingID)
		if err != nil {
			if !pg.IsNotFoundError(err) {
				return fmt.Errorf("insert firing: %w", err)
			}
			if err := tx.QueryRow(ctx, querySelectFiringJob, scheduleID, fireTime).Scan(&res.JobID); err != nil {
				return fmt.Errorf("select firing: %w", err)
			}
			return nil
		}

		job, err := build()
		if err != nil {
			return err
		}
		res.JobID, res.Existing, err = s.insertJob(ctx, tx, job)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, queryLinkFiringJob, firingID, res.JobID); err != nil {
			return fmt.Errorf("link firing job: %w", err)
		}
		res.Fired = true
		return nil
	})
	if err != nil {
		return FiringResult{}, err
	}
	return res, nil
}

func (s *PostgresStorage) AdvanceSchedule(ctx context.Context, id uuid.UUID, expected, next, lastRun time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, queryAdvanceSchedule, id, expected, next, lastRun)
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStorage) PurgeFirings(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, queryPurgeFirings, before)
	if err != nil {
		return 0, fmt.Errorf("purge firings: %w", err)
	}
	return tag.RowsAffected(), nil
}
