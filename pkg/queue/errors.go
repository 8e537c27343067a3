package queue

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

var (
	ErrStorageNil          = errors.New("storage cannot be nil")
	ErrEngineNil           = errors.New("engine cannot be nil")
	ErrPayloadMarshal      = errors.New("failed to marshal payload to JSON")
	ErrInvalidPayload      = errors.New("payload must be a JSON value")
	ErrInvalidPriority     = errors.New("priority must fit in a 32-bit integer")
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrInvalidQueueName    = errors.New("invalid queue name")
	ErrUnknownQueue        = errors.New("unknown queue name")
	ErrInvalidLease        = errors.New("lease duration must be positive")
	ErrInvalidBatchSize    = errors.New("batch size must be positive")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobNotReplayable    = errors.New("only dead or failed jobs can be replayed")
	ErrJobFinished         = errors.New("job already finished")
	ErrHandlerNotFound     = errors.New("no handler registered for queue")
	ErrNoHandlers          = errors.New("no job handlers registered")
	ErrHandlerExists       = errors.New("handler already registered for queue")
	ErrWorkerStarted       = errors.New("worker already started")
	ErrWorkerNotStarted    = errors.New("worker not started")
	ErrCancelRequested     = errors.New("job cancellation requested")
	ErrScheduleNotFound    = errors.New("schedule not found")
	ErrInvalidSchedule     = errors.New("invalid schedule expression")
	ErrInvalidTimezone     = errors.New("invalid schedule timezone")
	ErrInvalidTemplate     = errors.New("invalid schedule template")
	ErrScheduleNameMissing = errors.New("schedule name is required")
	ErrInvalidCatchUp      = errors.New("invalid catch-up policy")

	// ErrLeaseMismatch is returned by Ack, Fail and ExtendLease when the
	// caller no longer owns the job: the token differs or the lease expired.
	// The caller's result must be discarded.
	ErrLeaseMismatch = errors.New("lease mismatch")
)

// TransientError wraps lock contention and connectivity failures. The call
// may succeed if repeated.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentError marks a failure that retrying cannot fix. Handlers return
// it to dead-letter a job without consuming the remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a *PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a *PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ScheduleConfigError is returned by Scheduler.Register for definitions that
// can never fire correctly.
type ScheduleConfigError struct {
	Name  string
	Field string
	Err   error
}

func (e *ScheduleConfigError) Error() string {
	return fmt.Sprintf("schedule %q: %s: %v", e.Name, e.Field, e.Err)
}

func (e *ScheduleConfigError) Unwrap() error { return e.Err }

// classify wraps storage errors into the queue taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLeaseMismatch) || errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrScheduleNotFound) || errors.Is(err, ErrJobFinished) {
		return err
	}
	if pg.IsTransientError(err) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
