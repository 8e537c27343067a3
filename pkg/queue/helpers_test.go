package queue_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, clock *fakeClock, opts ...queue.EngineOption) (*queue.Engine, *queue.MemoryStorage) {
	t.Helper()

	storage := queue.NewMemoryStorage()
	opts = append([]queue.EngineOption{
		queue.WithLogger(discardLogger()),
		queue.WithClock(clock.Now),
	}, opts...)

	engine, err := queue.NewEngine(storage, opts...)
	require.NoError(t, err)
	return engine, storage
}
