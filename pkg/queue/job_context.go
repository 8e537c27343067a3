package queue

import (
	"context"
	"sync/atomic"
	"time"
)

type jobContextKey struct{}

// JobContext gives a running handler access to its job and lease.
type JobContext struct {
	job             Job
	engine          *Engine
	leaseDuration   time.Duration
	cancel          context.CancelCauseFunc
	cancelRequested atomic.Bool
}

func newJobContext(job *Job, engine *Engine, leaseDuration time.Duration, cancel context.CancelCauseFunc) *JobContext {
	return &JobContext{
		job:           *job,
		engine:        engine,
		leaseDuration: leaseDuration,
		cancel:        cancel,
	}
}

// JobFromContext returns the job context installed by the worker.
func JobFromContext(ctx context.Context) (*JobContext, bool) {
	jc, ok := ctx.Value(jobContextKey{}).(*JobContext)
	return jc, ok
}

func withJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// Job returns a snapshot of the job as claimed.
func (jc *JobContext) Job() Job {
	return jc.job
}

// ID returns the job id.
func (jc *JobContext) ID() int64 {
	return jc.job.ID
}

// Attempt returns the attempt number of this execution, starting at 1.
func (jc *JobContext) Attempt() int {
	return jc.job.Attempts
}

// CancelRequested reports whether an operator asked to cancel the job. It is
// refreshed on every lease renewal.
func (jc *JobContext) CancelRequested() bool {
	return jc.cancelRequested.Load()
}

// Extend renews the lease for d, or for the worker's lease duration when d
// is not positive. When cancellation has been requested the handler context
// is cancelled with cause ErrCancelRequested.
func (jc *JobContext) Extend(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = jc.leaseDuration
	}
	cancelRequested, err := jc.engine.ExtendLease(ctx, jc.job.ID, jc.job.LeaseToken, d)
	if err != nil {
		return err
	}
	if cancelRequested && !jc.cancelRequested.Swap(true) && jc.cancel != nil {
		jc.cancel(ErrCancelRequested)
	}
	return nil
}
