package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
)

// MaintenanceFunc is an extra cleanup step run on every reaper cycle. It
// returns the number of rows it removed.
type MaintenanceFunc func(ctx context.Context) (int64, error)

type maintenanceTask struct {
	name string
	fn   MaintenanceFunc
}

// Reaper releases expired leases and purges finished rows. Running one in
// every process is safe.
type Reaper struct {
	engine    *Engine
	interval  time.Duration
	retention time.Duration
	tasks     []maintenanceTask
	log       *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReapInterval sets the time between cycles.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRetention sets how long succeeded and failed jobs are kept. Zero keeps
// them forever.
func WithRetention(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// WithMaintenance adds a cleanup step, such as expired cache rows or old
// schedule firings.
func WithMaintenance(name string, fn MaintenanceFunc) ReaperOption {
	return func(r *Reaper) {
		if fn != nil {
			r.tasks = append(r.tasks, maintenanceTask{name: name, fn: fn})
		}
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(log *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		if log != nil {
			r.log = log
		}
	}
}

// NewReaper creates a reaper over engine.
func NewReaper(engine *Engine, opts ...ReaperOption) (*Reaper, error) {
	if engine == nil {
		return nil, ErrEngineNil
	}
	cfg := DefaultConfig()
	r := &Reaper{
		engine:    engine,
		interval:  cfg.ReapInterval,
		retention: cfg.Retention,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.Component("reaper"))
	return r, nil
}

// ReapResult counts the rows touched by one cycle.
type ReapResult struct {
	Reaped      int64
	Purged      int64
	Maintenance map[string]int64
}

// RunOnce performs a single cycle. Every step runs even if an earlier one
// failed.
func (r *Reaper) RunOnce(ctx context.Context) (ReapResult, error) {
	res := ReapResult{Maintenance: make(map[string]int64, len(r.tasks))}
	var errs []error

	n, err := r.engine.ReapExpiredLeases(ctx)
	res.Reaped = n
	if err != nil {
		errs = append(errs, err)
	}

	if r.retention > 0 {
		n, err := r.engine.PurgeFinished(ctx, r.retention)
		res.Purged = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, t := range r.tasks {
		n, err := t.fn(ctx)
		res.Maintenance[t.name] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}

	if res.Reaped > 0 || res.Purged > 0 {
		r.log.InfoContext(ctx, "reaper cycle",
			slog.Int64("reaped", res.Reaped),
			slog.Int64("purged", res.Purged))
	}
	return res, errors.Join(errs...)
}

// Run cycles immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.InfoContext(ctx, "reaper started", slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.ErrorContext(ctx, "reaper cycle failed", logger.Error(err))
		}

		select {
		case <-ctx.Done():
			r.log.InfoContext(context.WithoutCancel(ctx), "reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
