//go:build integration

package queue_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

// setupPostgres returns a migrated, empty database. PGSUBSTRATE_TEST_DATABASE_URL
// points the tests at an existing server instead of a container.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("PGSUBSTRATE_TEST_DATABASE_URL")
	if dsn == "" {
		container, err := pgmodule.Run(ctx,
			"postgres:16-alpine",
			pgmodule.WithDatabase("substrate_test"),
			pgmodule.WithUsername("test"),
			pgmodule.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			t.Skipf("postgres container not available: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(ctx); err != nil {
				t.Logf("terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	cfg := pg.Config{
		ConnectionString: dsn,
		MaxConns:         20,
		ConnectAttempts:  5,
		ConnectDelay:     time.Second,
	}
	pool, err := pg.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.Migrate(ctx, pool, cfg, discardLogger()))
	_, err = pool.Exec(ctx, `TRUNCATE job_queue, schedule_firings, scheduled_jobs, cache_entries RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return pool
}

func TestPostgres_EngineLifecycle(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	clock := newFakeClock()

	engine, err := queue.NewEngine(queue.NewPostgresStorage(pool),
		queue.WithLogger(discardLogger()), queue.WithClock(clock.Now))
	require.NoError(t, err)

	id, err := engine.Enqueue(ctx, "webhook_delivery", map[string]string{"url": "https://example.com"},
		queue.WithPriority(5), queue.WithIdempotencyKey("evt_1"))
	require.NoError(t, err)

	dup, err := engine.Enqueue(ctx, "webhook_delivery", nil, queue.WithIdempotencyKey("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, id, dup)

	jobs, err := engine.Claim(ctx, "webhook_delivery", "w1", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)

	failed, err := engine.Fail(ctx, id, jobs[0].LeaseToken, assert.AnError, queue.ConstantBackoff(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, failed.Status)
	assert.True(t, failed.AvailableAt.Equal(clock.Now().Add(10*time.Second)))

	clock.Advance(10 * time.Second)
	jobs, err = engine.Claim(ctx, "webhook_delivery", "w2", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)

	clock.Advance(time.Minute)
	assert.ErrorIs(t, engine.Ack(ctx, id, jobs[0].LeaseToken), queue.ErrLeaseMismatch)

	reaped, err := engine.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	jobs, err = engine.Claim(ctx, "webhook_delivery", "w3", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, engine.Ack(ctx, id, jobs[0].LeaseToken))

	job, err := engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestPostgres_ConcurrentClaimsNeverOverlap(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	engine, err := queue.NewEngine(queue.NewPostgresStorage(pool), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	const total = 200
	for i := range total {
		_, err := engine.Enqueue(ctx, "bulk", map[string]int{"n": i})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := engine.Claim(ctx, "bulk", "worker", time.Minute, 5)
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
		assert.Equal(t, 1, n, "job %d delivered twice", id)
	}
}

func TestPostgres_TransactionalEnqueue(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	engine, err := queue.NewEngine(queue.NewPostgresStorage(pool), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	err = pg.WithTx(ctx, pool, func(tx pgx.Tx) error {
		_, err := engine.WithStorage(queue.NewPostgresStorage(tx)).Enqueue(ctx, "emails", nil)
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats, "rolled back enqueue leaves no job")

	err = pg.WithTx(ctx, pool, func(tx pgx.Tx) error {
		_, err := engine.WithStorage(queue.NewPostgresStorage(tx)).Enqueue(ctx, "emails", nil)
		return err
	})
	require.NoError(t, err)

	stats, err = engine.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Counts[queue.StatusPending])
}

func TestPostgres_ConcurrentTicksFireOnce(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	clock := newFakeClock()
	storage := queue.NewPostgresStorage(pool)

	newScheduler := func() *queue.Scheduler {
		s, err := queue.NewScheduler(storage,
			queue.WithSchedulerLogger(discardLogger()),
			queue.WithSchedulerClock(clock.Now))
		require.NoError(t, err)
		return s
	}

	T := clock.Now()
	def, err := newScheduler().Register(ctx, queue.ScheduleDefinition{
		Name:            "audit",
		Expression:      "60s",
		QueueName:       "reports",
		PayloadTemplate: `{"at":"{{rfc3339 .FireTime}}"}`,
		StartAt:         T,
	})
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		fired int
	)
	for range 5 {
		s := newScheduler()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := s.Tick(ctx, T)
			assert.NoError(t, err)
			mu.Lock()
			fired += res.Fired
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, fired)

	var jobs, firings int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM job_queue WHERE schedule_id = $1`, def.ID).Scan(&jobs))
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schedule_firings WHERE schedule_id = $1 AND job_id IS NOT NULL`, def.ID).Scan(&firings))
	assert.Equal(t, 1, jobs)
	assert.Equal(t, 1, firings)

	stored, err := newScheduler().Get(ctx, "audit")
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.Equal(T.Add(time.Minute)))
}

func TestPostgres_ListenerWakesWorker(t *testing.T) {
	pool := setupPostgres(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := queue.NewListener(pool, queue.WithListenerLogger(discardLogger()))
	wake, unsubscribe := listener.Subscribe("instant")
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	// The first signal arrives once LISTEN is established.
	select {
	case <-wake:
	case <-time.After(10 * time.Second):
		t.Fatal("listener never connected")
	}

	engine, err := queue.NewEngine(queue.NewPostgresStorage(pool), queue.WithLogger(discardLogger()))
	require.NoError(t, err)
	_, err = engine.Enqueue(context.Background(), "instant", nil)
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(5 * time.Second):
		t.Fatal("no wakeup after enqueue")
	}

	cancel()
	require.NoError(t, <-done)
}
