package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes how long a failed job waits before it becomes
// claimable again. attempt is the number of claims made so far (>= 1).
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// BackoffFunc adapts a function to BackoffPolicy.
type BackoffFunc func(attempt int) time.Duration

func (f BackoffFunc) Delay(attempt int) time.Duration { return f(attempt) }

// ExponentialBackoff waits Base*2^(attempt-1), capped at Max, then shortens
// the wait by a random fraction up to Jitter. The result never exceeds Max;
// a non-positive Max means DefaultBackoff.Max.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff is 1s doubling up to 10m with 20% jitter.
var DefaultBackoff = ExponentialBackoff{Base: time.Second, Max: 10 * time.Minute, Jitter: 0.2}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	limit := b.Max
	if limit <= 0 {
		limit = DefaultBackoff.Max
	}

	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(limit) {
		d = float64(limit)
	}

	jitter := min(max(b.Jitter, 0), 1)
	if jitter > 0 {
		d -= d * jitter * rand.Float64()
	}
	return time.Duration(d)
}

// ConstantBackoff always waits the same duration.
type ConstantBackoff time.Duration

func (c ConstantBackoff) Delay(int) time.Duration { return time.Duration(c) }
