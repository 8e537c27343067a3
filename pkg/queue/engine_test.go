package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

type deliveryPayload struct {
	URL     string `json:"url"`
	EventID string `json:"event_id"`
}

func TestNewEngine(t *testing.T) {
	t.Parallel()

	engine, err := queue.NewEngine(nil)
	assert.ErrorIs(t, err, queue.ErrStorageNil)
	assert.Nil(t, engine)
}

func TestEngine_ScenarioRetryThenSucceed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	id, err := engine.Enqueue(ctx, "webhook_delivery",
		deliveryPayload{URL: "https://example.com/hook", EventID: "evt_1"},
		queue.WithPriority(5))
	require.NoError(t, err)

	jobs, err := engine.Claim(ctx, "webhook_delivery", "worker-1", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, queue.StatusLeased, job.Status)

	var payload deliveryPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "evt_1", payload.EventID)

	backoff := queue.ConstantBackoff(30 * time.Second)
	failed, err := engine.Fail(ctx, job.ID, job.LeaseToken, errors.New("connection refused"), backoff)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, failed.Status)
	assert.Equal(t, clock.Now().Add(30*time.Second), failed.AvailableAt)
	assert.Equal(t, "connection refused", failed.LastError)

	jobs, err = engine.Claim(ctx, "webhook_delivery", "worker-1", time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs, "job must not be claimable before its backoff elapsed")

	clock.Advance(30 * time.Second)

	jobs, err = engine.Claim(ctx, "webhook_delivery", "worker-2", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.NotEqual(t, job.LeaseToken, jobs[0].LeaseToken)

	require.NoError(t, engine.Ack(ctx, jobs[0].ID, jobs[0].LeaseToken))

	stored, err := engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, uuid.Nil, stored.LeaseToken)
}

func TestEngine_Enqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("idempotency key returns existing live job", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t, newFakeClock())

		first, err := engine.Enqueue(ctx, "emails", nil, queue.WithIdempotencyKey("welcome:42"))
		require.NoError(t, err)
		second, err := engine.Enqueue(ctx, "emails", nil, queue.WithIdempotencyKey("welcome:42"))
		require.NoError(t, err)
		assert.Equal(t, first, second)

		jobs, err := engine.Claim(ctx, "emails", "w", time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		third, err := engine.Enqueue(ctx, "emails", nil, queue.WithIdempotencyKey("welcome:42"))
		require.NoError(t, err)
		assert.Equal(t, first, third, "leased job still owns the key")

		require.NoError(t, engine.Ack(ctx, jobs[0].ID, jobs[0].LeaseToken))

		fourth, err := engine.Enqueue(ctx, "emails", nil, queue.WithIdempotencyKey("welcome:42"))
		require.NoError(t, err)
		assert.NotEqual(t, first, fourth, "terminal jobs release the key")
	})

	t.Run("nil payload stored as empty object", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t, newFakeClock())

		id, err := engine.Enqueue(ctx, "emails", nil)
		require.NoError(t, err)
		job, err := engine.Get(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(job.Payload))
		assert.Equal(t, queue.PriorityDefault, job.Priority)
	})

	t.Run("raw payload kept verbatim", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t, newFakeClock())

		id, err := engine.Enqueue(ctx, "emails", json.RawMessage(`{"to":"a@example.com"}`))
		require.NoError(t, err)
		job, err := engine.Get(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"to":"a@example.com"}`, string(job.Payload))
	})

	t.Run("delay and available at", func(t *testing.T) {
		t.Parallel()
		clock := newFakeClock()
		engine, _ := newTestEngine(t, clock)

		delayed, err := engine.Enqueue(ctx, "reports", nil, queue.WithDelay(time.Hour))
		require.NoError(t, err)
		at := clock.Now().Add(2 * time.Hour)
		scheduled, err := engine.Enqueue(ctx, "reports", nil, queue.WithAvailableAt(at))
		require.NoError(t, err)

		job, err := engine.Get(ctx, delayed)
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(time.Hour), job.AvailableAt)

		job, err = engine.Get(ctx, scheduled)
		require.NoError(t, err)
		assert.Equal(t, at, job.AvailableAt)
	})

	tests := []struct {
		name    string
		queue   string
		payload any
		opts    []queue.EnqueueOption
		want    error
	}{
		{name: "empty queue name", queue: "", want: queue.ErrInvalidQueueName},
		{name: "queue name with spaces", queue: "bad queue", want: queue.ErrInvalidQueueName},
		{name: "priority above int32", queue: "q", opts: []queue.EnqueueOption{queue.WithPriority(queue.PriorityMax + 1)}, want: queue.ErrInvalidPriority},
		{name: "priority below int32", queue: "q", opts: []queue.EnqueueOption{queue.WithPriority(queue.PriorityMin - 1)}, want: queue.ErrInvalidPriority},
		{name: "invalid raw payload", queue: "q", payload: json.RawMessage(`{"broken"`), want: queue.ErrInvalidPayload},
		{name: "invalid byte payload", queue: "q", payload: []byte("not json"), want: queue.ErrInvalidPayload},
		{name: "unmarshalable payload", queue: "q", payload: make(chan int), want: queue.ErrPayloadMarshal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, _ := newTestEngine(t, newFakeClock())

			_, err := engine.Enqueue(ctx, tt.queue, tt.payload, tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, queue.IsPermanent(err))
		})
	}

	t.Run("unknown queue rejected when queues are declared", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t, newFakeClock(), queue.WithKnownQueues("emails", "webhooks"))

		_, err := engine.Enqueue(ctx, "emails", nil)
		require.NoError(t, err)

		_, err = engine.Enqueue(ctx, "unknown", nil)
		assert.ErrorIs(t, err, queue.ErrUnknownQueue)
		assert.True(t, queue.IsPermanent(err))
	})
}

func TestEngine_ClaimOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	negative, err := engine.Enqueue(ctx, "q", nil, queue.WithPriority(-10))
	require.NoError(t, err)
	low, err := engine.Enqueue(ctx, "q", nil, queue.WithPriority(queue.PriorityLow))
	require.NoError(t, err)
	highLater, err := engine.Enqueue(ctx, "q", nil, queue.WithPriority(queue.PriorityHigh), queue.WithAvailableAt(clock.Now().Add(-time.Second)))
	require.NoError(t, err)
	highEarlier, err := engine.Enqueue(ctx, "q", nil, queue.WithPriority(queue.PriorityHigh), queue.WithAvailableAt(clock.Now().Add(-time.Minute)))
	require.NoError(t, err)
	highSameTime, err := engine.Enqueue(ctx, "q", nil, queue.WithPriority(queue.PriorityHigh), queue.WithAvailableAt(clock.Now().Add(-time.Second)))
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, "other", nil, queue.WithPriority(queue.PriorityMax))
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, "q", nil, queue.WithPriority(queue.PriorityMax), queue.WithDelay(time.Minute))
	require.NoError(t, err)

	jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 10)
	require.NoError(t, err)

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []int64{highEarlier, highLater, highSameTime, low, negative}, ids)
}

func TestEngine_ClaimValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeClock())

	_, err := engine.Claim(ctx, "q", "w", 0, 1)
	assert.ErrorIs(t, err, queue.ErrInvalidLease)

	_, err = engine.Claim(ctx, "q", "w", time.Minute, 0)
	assert.ErrorIs(t, err, queue.ErrInvalidBatchSize)

	_, err = engine.Claim(ctx, "bad queue", "w", time.Minute, 1)
	assert.ErrorIs(t, err, queue.ErrInvalidQueueName)
}

func TestEngine_BoundedRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	id, err := engine.Enqueue(ctx, "q", nil, queue.WithMaxAttempts(3))
	require.NoError(t, err)

	var last *queue.Job
	for attempt := 1; attempt <= 3; attempt++ {
		jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "attempt %d", attempt)
		assert.Equal(t, attempt, jobs[0].Attempts)
		assert.LessOrEqual(t, jobs[0].Attempts, jobs[0].MaxAttempts)

		last, err = engine.Fail(ctx, jobs[0].ID, jobs[0].LeaseToken, errors.New("boom"), queue.ConstantBackoff(time.Second))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	assert.Equal(t, queue.StatusDead, last.Status)
	assert.Equal(t, 3, last.Attempts)

	jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	dead, err := engine.ListDead(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, "boom", dead[0].LastError)
}

func TestEngine_FailPermanent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeClock())

	_, err := engine.Enqueue(ctx, "q", nil, queue.WithMaxAttempts(5))
	require.NoError(t, err)
	jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job, err := engine.Fail(ctx, jobs[0].ID, jobs[0].LeaseToken, queue.Permanent(errors.New("malformed payload")), nil)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "malformed payload", job.LastError)
}

func TestEngine_LeaseMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	_, err := engine.Enqueue(ctx, "q", nil)
	require.NoError(t, err)
	jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	assert.ErrorIs(t, engine.Ack(ctx, job.ID, uuid.New()), queue.ErrLeaseMismatch)
	_, err = engine.Fail(ctx, job.ID, uuid.New(), errors.New("x"), nil)
	assert.ErrorIs(t, err, queue.ErrLeaseMismatch)
	_, err = engine.ExtendLease(ctx, job.ID, uuid.New(), time.Minute)
	assert.ErrorIs(t, err, queue.ErrLeaseMismatch)

	clock.Advance(time.Minute)
	assert.ErrorIs(t, engine.Ack(ctx, job.ID, job.LeaseToken), queue.ErrLeaseMismatch,
		"a lease is expired at its expiry instant")

	assert.ErrorIs(t, engine.Ack(ctx, 9999, job.LeaseToken), queue.ErrJobNotFound)
}

func TestEngine_ExtendLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	_, err := engine.Enqueue(ctx, "q", nil)
	require.NoError(t, err)
	jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 1)
	require.NoError(t, err)
	job := jobs[0]

	clock.Advance(50 * time.Second)
	cancelRequested, err := engine.ExtendLease(ctx, job.ID, job.LeaseToken, time.Minute)
	require.NoError(t, err)
	assert.False(t, cancelRequested)

	clock.Advance(50 * time.Second)
	reaped, err := engine.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped, "extended lease is still live")

	require.NoError(t, engine.Ack(ctx, job.ID, job.LeaseToken))

	_, err = engine.ExtendLease(ctx, job.ID, job.LeaseToken, 0)
	assert.ErrorIs(t, err, queue.ErrInvalidLease)
}

func TestEngine_CrashRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	id, err := engine.Enqueue(ctx, "q", nil, queue.WithMaxAttempts(2))
	require.NoError(t, err)

	jobs, err := engine.Claim(ctx, "q", "crashed-worker", 30*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	crashed := jobs[0]

	n, err := engine.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "live lease must not be reaped")

	clock.Advance(31 * time.Second)

	n, err = engine.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts, "reaping does not count as an attempt")
	assert.Equal(t, "lease expired", job.LastError)

	jobs, err = engine.Claim(ctx, "q", "survivor", 30*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, "survivor", jobs[0].LeasedBy)

	assert.ErrorIs(t, engine.Ack(ctx, crashed.ID, crashed.LeaseToken), queue.ErrLeaseMismatch)

	clock.Advance(31 * time.Second)
	n, err = engine.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err = engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, job.Status, "exhausted job is dead-lettered by the reaper")
}

func TestEngine_NoDoubleDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeClock())

	const total = 300
	for i := range total {
		_, err := engine.Enqueue(ctx, "q", map[string]int{"n": i})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := engine.Claim(ctx, "q", "worker", time.Minute, 7)
				if err != nil || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed more than once", id)
	}
}

func TestEngine_RequestCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("pending job fails immediately", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t, newFakeClock())

		id, err := engine.Enqueue(ctx, "q", nil)
		require.NoError(t, err)
		require.NoError(t, engine.RequestCancel(ctx, id))

		job, err := engine.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, job.Status)
		assert.Equal(t, "cancelled", job.LastError)

		assert.ErrorIs(t, engine.RequestCancel(ctx, id), queue.ErrJobFinished)
	})

	t.Run("leased job is flagged and fails instead of retrying", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t, newFakeClock())

		id, err := engine.Enqueue(ctx, "q", nil, queue.WithMaxAttempts(5))
		require.NoError(t, err)
		jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 1)
		require.NoError(t, err)

		require.NoError(t, engine.RequestCancel(ctx, id))

		cancelRequested, err := engine.ExtendLease(ctx, id, jobs[0].LeaseToken, time.Minute)
		require.NoError(t, err)
		assert.True(t, cancelRequested)

		job, err := engine.Fail(ctx, id, jobs[0].LeaseToken, errors.New("stopped"), nil)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, job.Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t, newFakeClock())
		assert.ErrorIs(t, engine.RequestCancel(ctx, 42), queue.ErrJobNotFound)
	})
}

func TestEngine_Replay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeClock())

	id, err := engine.Enqueue(ctx, "q", map[string]string{"k": "v"},
		queue.WithPriority(queue.PriorityHigh),
		queue.WithMaxAttempts(1),
		queue.WithIdempotencyKey("replay-me"))
	require.NoError(t, err)

	_, err = engine.Replay(ctx, id)
	assert.ErrorIs(t, err, queue.ErrJobNotReplayable)

	jobs, err := engine.Claim(ctx, "q", "w", time.Minute, 1)
	require.NoError(t, err)
	_, err = engine.Fail(ctx, id, jobs[0].LeaseToken, errors.New("boom"), nil)
	require.NoError(t, err)

	replayID, err := engine.Replay(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, replayID)

	original, err := engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, original.Status, "dead row stays untouched")

	replayed, err := engine.Get(ctx, replayID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, replayed.Status)
	assert.Zero(t, replayed.Attempts)
	assert.Equal(t, queue.PriorityHigh, replayed.Priority)
	assert.Equal(t, "replay-me", replayed.IdempotencyKey)
	assert.JSONEq(t, `{"k":"v"}`, string(replayed.Payload))

	_, err = engine.Replay(ctx, 12345)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestEngine_ListStatsPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	engine, _ := newTestEngine(t, clock)

	for range 3 {
		_, err := engine.Enqueue(ctx, "emails", nil, queue.WithMaxAttempts(1))
		require.NoError(t, err)
	}
	_, err := engine.Enqueue(ctx, "webhooks", nil)
	require.NoError(t, err)

	jobs, err := engine.Claim(ctx, "emails", "w", time.Minute, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.NoError(t, engine.Ack(ctx, jobs[0].ID, jobs[0].LeaseToken))
	_, err = engine.Fail(ctx, jobs[1].ID, jobs[1].LeaseToken, errors.New("boom"), nil)
	require.NoError(t, err)

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "emails", stats[0].QueueName)
	assert.Equal(t, 1, stats[0].Counts[queue.StatusPending])
	assert.Equal(t, 1, stats[0].Counts[queue.StatusSucceeded])
	assert.Equal(t, 1, stats[0].Counts[queue.StatusDead])
	assert.Equal(t, 1, stats[1].Counts[queue.StatusPending])

	listed, err := engine.List(ctx, queue.JobFilter{QueueName: "emails"})
	require.NoError(t, err)
	assert.Len(t, listed, 3)
	assert.Greater(t, listed[0].ID, listed[1].ID, "newest first")

	_, err = engine.List(ctx, queue.JobFilter{Status: "bogus"})
	assert.Error(t, err)

	clock.Advance(2 * time.Hour)
	purged, err := engine.PurgeFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged, "only the succeeded job is purged")

	dead, err := engine.ListDead(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1, "dead jobs are kept for inspection")
}
