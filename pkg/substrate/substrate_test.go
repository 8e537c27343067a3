package substrate_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsubstrate/pkg/cache"
	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
	"github.com/dmitrymomot/pgsubstrate/pkg/substrate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() substrate.Config {
	cfg := substrate.DefaultConfig()
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Queue.ShutdownTimeout = time.Second
	cfg.Scheduler.CheckInterval = 10 * time.Millisecond
	return cfg
}

func newMemorySubstrate(t *testing.T, opts ...substrate.Option) *substrate.Substrate {
	t.Helper()
	opts = append([]substrate.Option{
		substrate.WithStorage(queue.NewMemoryStorage(), cache.NewMemoryStorage()),
		substrate.WithLogger(discardLogger()),
		substrate.WithoutOpsServer(),
	}, opts...)
	s, err := substrate.New(nil, testConfig(), opts...)
	require.NoError(t, err)
	return s
}

func TestNewRequiresStorage(t *testing.T) {
	t.Parallel()

	_, err := substrate.New(nil, testConfig())
	assert.ErrorIs(t, err, substrate.ErrNoStorage)

	s := newMemorySubstrate(t)
	assert.Nil(t, s.Listener, "no pool means no LISTEN connection")
	assert.NotNil(t, s.Cache)
	assert.NotNil(t, s.Queue)
	assert.NotNil(t, s.Scheduler)
	assert.NotNil(t, s.Worker)
	assert.NotNil(t, s.Reaper)
}

func TestRunProcessesJobsAndSchedules(t *testing.T) {
	t.Parallel()

	s := newMemorySubstrate(t)

	var (
		mu   sync.Mutex
		seen []string
	)
	type email struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, s.RegisterHandler("emails", queue.NewJobHandler(func(_ context.Context, e email) error {
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.RegisterSchedule(ctx, queue.ScheduleDefinition{
		Name:            "digest",
		Expression:      "@every 1h",
		QueueName:       "emails",
		PayloadTemplate: `{"kind":"digest"}`,
		StartAt:         time.Now(),
	})
	require.NoError(t, err)

	_, err = s.Queue.Enqueue(ctx, "emails", email{Kind: "welcome"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"welcome", "digest"}, seen)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}

	stats, err := s.Queue.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Counts[queue.StatusSucceeded])
}

func TestRunWithoutHandlers(t *testing.T) {
	t.Parallel()

	s := newMemorySubstrate(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "scheduler and reaper run without a worker")
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReaperRunsMaintenance(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	var custom int
	s := newMemorySubstrate(t,
		substrate.WithClock(clock.Now),
		substrate.WithMaintenance("custom", func(context.Context) (int64, error) {
			custom++
			return 7, nil
		}),
	)
	ctx := context.Background()

	require.NoError(t, s.Cache.Set(ctx, "projects", "summary", []byte(`{}`), time.Minute))
	require.NoError(t, s.Cache.Set(ctx, "projects", "fresh", []byte(`{}`), time.Hour))
	clock.Advance(2 * time.Minute)

	res, err := s.Reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Maintenance["cache"])
	assert.Equal(t, int64(0), res.Maintenance["schedule_firings"])
	assert.Equal(t, int64(7), res.Maintenance["custom"])
	assert.Equal(t, 1, custom)

	_, ok := s.Cache.Get(ctx, "projects", "fresh")
	assert.True(t, ok)
}

func TestRegisterScheduleValidatesQueue(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Queue.KnownQueues = []string{"emails"}
	s, err := substrate.New(nil, cfg,
		substrate.WithStorage(queue.NewMemoryStorage(), cache.NewMemoryStorage()),
		substrate.WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = s.RegisterSchedule(context.Background(), queue.ScheduleDefinition{
		Name:       "digest",
		Expression: "@daily",
		QueueName:  "unknown",
	})
	var cfgErr *queue.ScheduleConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "queue_name", cfgErr.Field)

	assert.Error(t, s.RegisterHandler("unknown", queue.HandlerFunc(func(context.Context, json.RawMessage) error { return nil })))
}

func TestOpsHandler(t *testing.T) {
	t.Parallel()

	s := newMemorySubstrate(t)
	ctx := context.Background()

	_, err := s.Queue.Enqueue(ctx, "emails", nil)
	require.NoError(t, err)
	_, _ = s.Cache.Get(ctx, "projects", "missing")

	srv := httptest.NewServer(s.OpsHandler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"alive"`)

	code, body = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"ready"`)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `pgsubstrate_queue_jobs_enqueued_total{queue="emails"} 1`)
	assert.Contains(t, body, "pgsubstrate_cache_misses_total")
	assert.Contains(t, body, "go_goroutines")

	code, _ = get("/missing")
	assert.Equal(t, http.StatusNotFound, code)
}
