package queue

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDead
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusSucceeded, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Priority orders jobs within a queue; higher values are claimed first.
// Any value that fits the INTEGER column is accepted, negatives included.
type Priority int

const (
	PriorityMin     Priority = math.MinInt32
	PriorityDefault Priority = 0
	PriorityLow     Priority = 25
	PriorityMedium  Priority = 50
	PriorityHigh    Priority = 75
	PriorityMax     Priority = math.MaxInt32
)

// Valid reports whether p fits the job_queue.priority column.
func (p Priority) Valid() bool {
	return p >= PriorityMin && p <= PriorityMax
}

// Job is a row of the job_queue table.
type Job struct {
	ID              int64           `json:"id"`
	QueueName       string          `json:"queue_name"`
	Payload         json.RawMessage `json:"payload"`
	Priority        Priority        `json:"priority"`
	Status          Status          `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	AvailableAt     time.Time       `json:"available_at"`
	LeaseToken      uuid.UUID       `json:"lease_token,omitzero"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	LeasedBy        string          `json:"leased_by,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	ScheduleID      *uuid.UUID      `json:"schedule_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// LeaseValid reports whether the job is leased under token and the lease has
// not expired at now.
func (j *Job) LeaseValid(token uuid.UUID, now time.Time) bool {
	return j.Status == StatusLeased &&
		j.LeaseToken == token &&
		j.LeaseExpiresAt != nil &&
		now.Before(*j.LeaseExpiresAt)
}

// JobFilter narrows List results. Zero fields match everything.
type JobFilter struct {
	QueueName string
	Status    Status
	Limit     int
	Offset    int
}

// QueueStats is the number of jobs per status for one queue.
type QueueStats struct {
	QueueName string         `json:"queue_name"`
	Counts    map[Status]int `json:"counts"`
}

// Transition is the outcome of a failed attempt, computed by the Engine and
// applied atomically by the Storage.
type Transition struct {
	Status      Status
	AvailableAt time.Time
	LastError   string
}
