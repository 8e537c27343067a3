package pg

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// RetryPolicy bounds call-site retries of statements that failed before
// anything could have been committed.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries a statement up to three times, 50ms then 100ms apart.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Delay:    50 * time.Millisecond,
	MaxDelay: time.Second,
}

func (p RetryPolicy) options(ctx context.Context) []retry.Option {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.MaxDelay(p.MaxDelay),
		retry.MaxJitter(0),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsSafeToRetry),
		retry.LastErrorOnly(true),
	}
}

// Retry runs fn, repeating it while it fails with an error for which
// IsSafeToRetry holds. Any other error is returned immediately.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	return retry.New(p.options(ctx)...).Do(fn)
}

// RetryWithData is Retry for functions that produce a value.
func RetryWithData[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	return retry.NewWithData[T](p.options(ctx)...).Do(fn)
}
