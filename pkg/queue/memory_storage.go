package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage and ScheduleStorage in process memory for
// tests and local development. A single mutex gives every method the same
// atomicity a database transaction would.
type MemoryStorage struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job

	schedules map[string]*ScheduleDefinition // by name
	firings   map[firingKey]*firing
}

type firingKey struct {
	scheduleID uuid.UUID
	fireTime   int64
}

type firing struct {
	jobID     int64
	createdAt time.Time
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:      make(map[int64]*Job),
		schedules: make(map[string]*ScheduleDefinition),
		firings:   make(map[firingKey]*firing),
	}
}

func cloneJob(j *Job) *Job {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.ScheduleID != nil {
		id := *j.ScheduleID
		cp.ScheduleID = &id
	}
	return &cp
}

func (ms *MemoryStorage) Insert(_ context.Context, job *Job) (int64, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.insertLocked(job)
}

func (ms *MemoryStorage) insertLocked(job *Job) (int64, bool, error) {
	if job.IdempotencyKey != "" {
		for _, existing := range ms.jobs {
			if existing.IdempotencyKey == job.IdempotencyKey && !existing.Status.Terminal() {
				return existing.ID, true, nil
			}
		}
	}

	ms.nextID++
	stored := cloneJob(job)
	stored.ID = ms.nextID
	stored.Status = StatusPending
	ms.jobs[stored.ID] = stored

	job.ID = stored.ID
	return stored.ID, false, nil
}

func (ms *MemoryStorage) Claim(_ context.Context, queueName, workerID string, now, leaseUntil time.Time, limit int) ([]*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var candidates []*Job
	for _, j := range ms.jobs {
		if j.QueueName == queueName && j.Status == StatusPending && !j.AvailableAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	slices.SortFunc(candidates, compareClaimOrder)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		until := leaseUntil
		j.Status = StatusLeased
		j.LeaseToken = uuid.New()
		j.LeaseExpiresAt = &until
		j.LeasedBy = workerID
		j.Attempts++
		j.UpdatedAt = now
		claimed = append(claimed, cloneJob(j))
	}
	return claimed, nil
}

// compareClaimOrder is priority DESC, available_at ASC, id ASC.
func compareClaimOrder(a, b *Job) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.AvailableAt.Compare(b.AvailableAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// leasedLocked returns the job if token holds a live lease at now.
func (ms *MemoryStorage) leasedLocked(id int64, token uuid.UUID, now time.Time) (*Job, error) {
	j, ok := ms.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !j.LeaseValid(token, now) {
		return nil, ErrLeaseMismatch
	}
	return j, nil
}

func (ms *MemoryStorage) Ack(_ context.Context, id int64, token uuid.UUID, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	j, err := ms.leasedLocked(id, token, now)
	if err != nil {
		return err
	}
	finish(j, StatusSucceeded, now)
	return nil
}

func (ms *MemoryStorage) Fail(_ context.Context, id int64, token uuid.UUID, now time.Time, decide func(*Job) Transition) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	j, err := ms.leasedLocked(id, token, now)
	if err != nil {
		return nil, err
	}

	t := decide(cloneJob(j))
	j.LastError = t.LastError
	if t.Status == StatusPending {
		releaseLease(j)
		j.Status = StatusPending
		j.AvailableAt = t.AvailableAt
		j.UpdatedAt = now
	} else {
		finish(j, t.Status, now)
	}
	return cloneJob(j), nil
}

func (ms *MemoryStorage) ExtendLease(_ context.Context, id int64, token uuid.UUID, now, until time.Time) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	j, err := ms.leasedLocked(id, token, now)
	if err != nil {
		return false, err
	}
	j.LeaseExpiresAt = &until
	j.UpdatedAt = now
	return j.CancelRequested, nil
}

func (ms *MemoryStorage) ReapExpired(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var expired []*Job
	for _, j := range ms.jobs {
		if j.Status == StatusLeased && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now) {
			expired = append(expired, j)
		}
	}
	slices.SortFunc(expired, func(a, b *Job) int { return cmp.Compare(a.ID, b.ID) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	reaped := make([]*Job, 0, len(expired))
	for _, j := range expired {
		j.LastError = leaseExpiredMessage
		switch {
		case j.CancelRequested:
			finish(j, StatusFailed, now)
		case j.Attempts >= j.MaxAttempts:
			finish(j, StatusDead, now)
		default:
			releaseLease(j)
			j.Status = StatusPending
			j.AvailableAt = now
			j.UpdatedAt = now
		}
		reaped = append(reaped, cloneJob(j))
	}
	return reaped, nil
}

func (ms *MemoryStorage) RequestCancel(_ context.Context, id int64, now time.Time) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	j, ok := ms.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch j.Status {
	case StatusPending:
		j.LastError = cancelledMessage
		finish(j, StatusFailed, now)
	case StatusLeased:
		j.CancelRequested = true
		j.UpdatedAt = now
	default:
		return cloneJob(j), ErrJobFinished
	}
	return cloneJob(j), nil
}

func (ms *MemoryStorage) Get(_ context.Context, id int64) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	j, ok := ms.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (ms *MemoryStorage) List(_ context.Context, filter JobFilter) ([]*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []*Job
	for _, j := range ms.jobs {
		if filter.QueueName != "" && j.QueueName != filter.QueueName {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b *Job) int { return cmp.Compare(b.ID, a.ID) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	res := make([]*Job, len(out))
	for i, j := range out {
		res[i] = cloneJob(j)
	}
	return res, nil
}

func (ms *MemoryStorage) Stats(_ context.Context) ([]QueueStats, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	byQueue := make(map[string]map[Status]int)
	for _, j := range ms.jobs {
		counts, ok := byQueue[j.QueueName]
		if !ok {
			counts = make(map[Status]int)
			byQueue[j.QueueName] = counts
		}
		counts[j.Status]++
	}

	stats := make([]QueueStats, 0, len(byQueue))
	for name, counts := range byQueue {
		stats = append(stats, QueueStats{QueueName: name, Counts: counts})
	}
	slices.SortFunc(stats, func(a, b QueueStats) int { return cmp.Compare(a.QueueName, b.QueueName) })
	return stats, nil
}

func (ms *MemoryStorage) PurgeFinished(_ context.Context, before time.Time, limit int) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var n int64
	for id, j := range ms.jobs {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if (j.Status == StatusSucceeded || j.Status == StatusFailed) &&
			j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(ms.jobs, id)
			n++
		}
	}
	return n, nil
}

func finish(j *Job, status Status, now time.Time) {
	releaseLease(j)
	j.Status = status
	j.UpdatedAt = now
	j.FinishedAt = &now
}

func releaseLease(j *Job) {
	j.LeaseToken = uuid.Nil
	j.LeaseExpiresAt = nil
	j.LeasedBy = ""
}

func cloneSchedule(d *ScheduleDefinition) *ScheduleDefinition {
	cp := *d
	if d.LastRunAt != nil {
		t := *d.LastRunAt
		cp.LastRunAt = &t
	}
	return &cp
}

func (ms *MemoryStorage) UpsertSchedule(_ context.Context, def *ScheduleDefinition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	existing, ok := ms.schedules[def.Name]
	if !ok {
		stored := cloneSchedule(def)
		ms.schedules[def.Name] = stored
		return nil
	}

	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt
	def.Enabled = existing.Enabled
	if existing.Expression == def.Expression && existing.Timezone == def.Timezone {
		def.NextRunAt = existing.NextRunAt
		def.LastRunAt = existing.LastRunAt
	}
	ms.schedules[def.Name] = cloneSchedule(def)
	return nil
}

func (ms *MemoryStorage) GetSchedule(_ context.Context, name string) (*ScheduleDefinition, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	def, ok := ms.schedules[name]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return cloneSchedule(def), nil
}

func (ms *MemoryStorage) ListSchedules(_ context.Context) ([]*ScheduleDefinition, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]*ScheduleDefinition, 0, len(ms.schedules))
	for _, def := range ms.schedules {
		out = append(out, cloneSchedule(def))
	}
	slices.SortFunc(out, func(a, b *ScheduleDefinition) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (ms *MemoryStorage) DeleteSchedule(_ context.Context, name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	def, ok := ms.schedules[name]
	if !ok {
		return ErrScheduleNotFound
	}
	delete(ms.schedules, name)
	for k := range ms.firings {
		if k.scheduleID == def.ID {
			delete(ms.firings, k)
		}
	}
	return nil
}

func (ms *MemoryStorage) SetScheduleEnabled(_ context.Context, name string, enabled bool, nextRunAt, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	def, ok := ms.schedules[name]
	if !ok {
		return ErrScheduleNotFound
	}
	def.Enabled = enabled
	if !nextRunAt.IsZero() {
		def.NextRunAt = nextRunAt
	}
	def.UpdatedAt = now
	return nil
}

func (ms *MemoryStorage) DueSchedules(_ context.Context, now time.Time, limit int) ([]*ScheduleDefinition, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var due []*ScheduleDefinition
	for _, def := range ms.schedules {
		if def.Enabled && !def.NextRunAt.After(now) {
			due = append(due, cloneSchedule(def))
		}
	}
	slices.SortFunc(due, func(a, b *ScheduleDefinition) int {
		if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (ms *MemoryStorage) RecordFiring(_ context.Context, scheduleID uuid.UUID, fireTime time.Time, build func() (*Job, error)) (FiringResult, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	key := firingKey{scheduleID: scheduleID, fireTime: fireTime.UnixNano()}
	if f, ok := ms.firings[key]; ok {
		return FiringResult{JobID: f.jobID}, nil
	}

	job, err := build()
	if err != nil {
		return FiringResult{}, err
	}
	id, existing, err := ms.insertLocked(job)
	if err != nil {
		return FiringResult{}, err
	}
	ms.firings[key] = &firing{jobID: id, createdAt: job.CreatedAt}
	return FiringResult{JobID: id, Fired: true, Existing: existing}, nil
}

func (ms *MemoryStorage) AdvanceSchedule(_ context.Context, id uuid.UUID, expected, next, lastRun time.Time) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, def := range ms.schedules {
		if def.ID != id {
			continue
		}
		if !def.NextRunAt.Equal(expected) {
			return false, nil
		}
		lr := lastRun
		def.NextRunAt = next
		def.LastRunAt = &lr
		return true, nil
	}
	return false, ErrScheduleNotFound
}

func (ms *MemoryStorage) PurgeFirings(_ context.Context, before time.Time) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var n int64
	for k, f := range ms.firings {
		if f.createdAt.Before(before) {
			delete(ms.firings, k)
			n++
		}
	}
	return n, nil
}

// FiringCount returns the number of recorded firings for scheduleID.
func (ms *MemoryStorage) FiringCount(scheduleID uuid.UUID) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n := 0
	for k := range ms.firings {
		if k.scheduleID == scheduleID {
			n++
		}
	}
	return n
}

var (
	_ Storage         = (*MemoryStorage)(nil)
	_ ScheduleStorage = (*MemoryStorage)(nil)
)
