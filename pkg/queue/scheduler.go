package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
)

// CatchUpPolicy controls what a schedule does with occurrences missed while
// no scheduler was running.
type CatchUpPolicy string

const (
	// CatchUpLatest fires only the most recent missed occurrence.
	CatchUpLatest CatchUpPolicy = "latest"
	// CatchUpAll fires every missed occurrence, MaxCatchUp per tick.
	CatchUpAll CatchUpPolicy = "all"
)

// Valid reports whether p is a known policy.
func (p CatchUpPolicy) Valid() bool {
	return p == CatchUpLatest || p == CatchUpAll
}

// ScheduleDefinition is a persisted recurring job.
type ScheduleDefinition struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Timezone   string    `json:"timezone"`
	QueueName  string    `json:"queue_name"`

	// PayloadTemplate and IdempotencyKeyTemplate are text/template sources
	// rendered with .Name, .ScheduleID, .FireTime and .Unix. The payload must
	// render to JSON. An empty key template yields "schedule:<name>:<unix>".
	PayloadTemplate        string `json:"payload_template"`
	IdempotencyKeyTemplate string `json:"idempotency_key_template,omitempty"`

	Priority    Priority      `json:"priority"`
	MaxAttempts int           `json:"max_attempts"`
	CatchUp     CatchUpPolicy `json:"catch_up"`

	// StartAt sets the first occurrence of a new schedule. Not persisted.
	StartAt time.Time `json:"-"`

	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TickResult summarises one evaluation pass.
type TickResult struct {
	Evaluated  int     // due definitions examined
	Fired      int     // firings this instance recorded and enqueued
	Duplicates int     // firings already recorded by another instance
	Existing   int     // firings whose idempotency key matched a live job
	JobIDs     []int64 // jobs enqueued by this instance
}

// Scheduler turns schedule definitions into jobs. Any number of schedulers
// may tick the same storage: the firing record admits one job per
// occurrence.
type Scheduler struct {
	storage            ScheduleStorage
	cfg                SchedulerConfig
	log                *slog.Logger
	now                func() time.Time
	metrics            *Metrics
	validateQueue      func(string) error
	defaultMaxAttempts int

	mu       sync.Mutex
	compiled map[string]*compiledSchedule // by schedule name
}

type compiledSchedule struct {
	signature string
	schedule  Schedule
	templates *firingTemplates
}

// NewScheduler creates a scheduler over storage.
func NewScheduler(storage ScheduleStorage, opts ...SchedulerOption) (*Scheduler, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	s := &Scheduler{
		storage:            storage,
		cfg:                DefaultSchedulerConfig(),
		log:                slog.Default(),
		now:                time.Now,
		validateQueue:      validQueueName,
		defaultMaxAttempts: DefaultConfig().MaxAttempts,
		compiled:           make(map[string]*compiledSchedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.CheckInterval <= 0 {
		s.cfg.CheckInterval = DefaultSchedulerConfig().CheckInterval
	}
	if s.cfg.MaxCatchUp <= 0 {
		s.cfg.MaxCatchUp = 1
	}
	if s.cfg.BatchSize <= 0 {
		s.cfg.BatchSize = DefaultSchedulerConfig().BatchSize
	}
	s.log = s.log.With(logger.Component("scheduler"))

	return s, nil
}

func validQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	return nil
}

// Register validates def and upserts it by name. A new definition starts
// enabled with its first occurrence at StartAt, or the next occurrence after
// now. Re-registering an existing name keeps its enabled flag, and keeps
// its next run unless the expression or timezone changed.
func (s *Scheduler) Register(ctx context.Context, def ScheduleDefinition) (*ScheduleDefinition, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, &ScheduleConfigError{Field: "name", Err: ErrScheduleNameMissing}
	}
	def.Expression = strings.TrimSpace(def.Expression)
	if def.Timezone == "" {
		def.Timezone = "UTC"
	}
	if def.PayloadTemplate == "" {
		def.PayloadTemplate = "{}"
	}
	if def.CatchUp == "" {
		def.CatchUp = CatchUpLatest
	}
	if def.MaxAttempts == 0 {
		def.MaxAttempts = s.defaultMaxAttempts
	}

	if !def.CatchUp.Valid() {
		return nil, &ScheduleConfigError{Name: def.Name, Field: "catch_up", Err: fmt.Errorf("%w: %q", ErrInvalidCatchUp, def.CatchUp)}
	}
	if !def.Priority.Valid() {
		return nil, &ScheduleConfigError{Name: def.Name, Field: "priority", Err: ErrInvalidPriority}
	}
	if def.MaxAttempts < 0 {
		return nil, &ScheduleConfigError{Name: def.Name, Field: "max_attempts", Err: ErrInvalidMaxAttempts}
	}
	if err := s.validateQueue(def.QueueName); err != nil {
		return nil, &ScheduleConfigError{Name: def.Name, Field: "queue_name", Err: err}
	}

	c, err := compileSchedule(&def)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := def.StartAt
	if next.IsZero() {
		next = c.schedule.Next(now)
	}
	if next.IsZero() {
		return nil, &ScheduleConfigError{Name: def.Name, Field: "expression", Err: fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, def.Expression)}
	}

	// Trial render so template errors surface here instead of at fire time.
	if _, _, err := c.templates.render(&def, next); err != nil {
		return nil, &ScheduleConfigError{Name: def.Name, Field: "template", Err: err}
	}

	def.ID = uuid.New()
	def.NextRunAt = normalizeTime(next)
	def.LastRunAt = nil
	def.Enabled = true
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.storage.UpsertSchedule(ctx, &def); err != nil {
		return nil, classify("register schedule", err)
	}

	s.mu.Lock()
	s.compiled[def.Name] = c
	s.mu.Unlock()

	s.log.InfoContext(ctx, "schedule registered",
		logger.Schedule(def.Name),
		logger.Queue(def.QueueName),
		slog.String("expression", def.Expression),
		slog.Time("next_run_at", def.NextRunAt),
		slog.Bool("enabled", def.Enabled))

	return &def, nil
}

func compileSchedule(def *ScheduleDefinition) (*compiledSchedule, error) {
	sched, err := ParseSchedule(def.Expression, def.Timezone)
	if err != nil {
		field := "expression"
		if errors.Is(err, ErrInvalidTimezone) {
			field = "timezone"
		}
		return nil, &ScheduleConfigError{Name: def.Name, Field: field, Err: err}
	}
	tpl, err := parseTemplates(def)
	if err != nil {
		return nil, err
	}
	return &compiledSchedule{
		signature: scheduleSignature(def),
		schedule:  sched,
		templates: tpl,
	}, nil
}

func scheduleSignature(def *ScheduleDefinition) string {
	return strings.Join([]string{def.Expression, def.Timezone, def.PayloadTemplate, def.IdempotencyKeyTemplate}, "\x00")
}

// compiledFor returns the parsed form of def, reparsing when the stored
// definition changed since it was cached.
func (s *Scheduler) compiledFor(def *ScheduleDefinition) (*compiledSchedule, error) {
	sig := scheduleSignature(def)

	s.mu.Lock()
	c, ok := s.compiled[def.Name]
	s.mu.Unlock()
	if ok && c.signature == sig {
		return c, nil
	}

	c, err := compileSchedule(def)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.compiled[def.Name] = c
	s.mu.Unlock()
	return c, nil
}

// Tick fires every enabled definition whose next run is at or before now.
// A failing definition does not stop the others; their errors are joined.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult

	due, err := s.storage.DueSchedules(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return res, classify("due schedules", err)
	}

	var errs []error
	for _, def := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res.Evaluated++
		if err := s.tickSchedule(ctx, def, now, &res); err != nil {
			s.log.ErrorContext(ctx, "schedule tick failed",
				logger.Schedule(def.Name),
				logger.Error(err))
			errs = append(errs, fmt.Errorf("schedule %q: %w", def.Name, err))
		}
	}

	return res, errors.Join(errs...)
}

func (s *Scheduler) tickSchedule(ctx context.Context, def *ScheduleDefinition, now time.Time, res *TickResult) error {
	c, err := s.compiledFor(def)
	if err != nil {
		return err
	}

	fireTimes, next := s.occurrences(def, c.schedule, now)

	var last time.Time
	for _, ft := range fireTimes {
		fr, err := s.storage.RecordFiring(ctx, def.ID, ft, func() (*Job, error) {
			return s.buildJob(def, c, ft, now)
		})
		if err != nil {
			if !last.IsZero() {
				s.advance(ctx, def, ft, last)
			}
			return classify("record firing", err)
		}
		last = ft

		switch {
		case !fr.Fired:
			res.Duplicates++
			s.metrics.skipped(def.Name)
			s.log.DebugContext(ctx, "firing already recorded",
				logger.Schedule(def.Name),
				logger.FireTime(ft),
				logger.JobID(fr.JobID))
		case fr.Existing:
			res.Existing++
			s.metrics.deduplicated(def.QueueName)
			s.log.InfoContext(ctx, "schedule firing matched a live job",
				logger.Schedule(def.Name),
				logger.FireTime(ft),
				logger.JobID(fr.JobID),
				logger.Queue(def.QueueName))
		default:
			res.Fired++
			res.JobIDs = append(res.JobIDs, fr.JobID)
			s.metrics.fired(def.Name)
			s.log.InfoContext(ctx, "schedule fired",
				logger.Schedule(def.Name),
				logger.FireTime(ft),
				logger.JobID(fr.JobID),
				logger.Queue(def.QueueName))
		}
	}

	if next.IsZero() {
		// The expression has no further occurrences; park it.
		s.log.WarnContext(ctx, "schedule has no further occurrences, disabling", logger.Schedule(def.Name))
		return classify("disable schedule", s.storage.SetScheduleEnabled(ctx, def.Name, false, time.Time{}, s.now()))
	}
	s.advance(ctx, def, next, last)
	return nil
}

// advance moves next_run_at forward if no other instance already did.
func (s *Scheduler) advance(ctx context.Context, def *ScheduleDefinition, next, lastRun time.Time) {
	ok, err := s.storage.AdvanceSchedule(ctx, def.ID, def.NextRunAt, normalizeTime(next), lastRun)
	if err != nil {
		s.log.WarnContext(ctx, "failed to advance schedule",
			logger.Schedule(def.Name),
			logger.Error(err))
		return
	}
	if !ok {
		s.log.DebugContext(ctx, "schedule advanced by another instance", logger.Schedule(def.Name))
	}
}

// occurrences returns the fire times due at now and the next run after them.
func (s *Scheduler) occurrences(def *ScheduleDefinition, sched Schedule, now time.Time) ([]time.Time, time.Time) {
	t := def.NextRunAt
	if def.CatchUp == CatchUpAll {
		var fire []time.Time
		for !t.IsZero() && !t.After(now) && len(fire) < s.cfg.MaxCatchUp {
			fire = append(fire, t)
			t = sched.Next(t)
		}
		return fire, t
	}

	latest := latestOccurrence(sched, t, now)
	return []time.Time{latest}, sched.Next(latest)
}

func (s *Scheduler) buildJob(def *ScheduleDefinition, c *compiledSchedule, fireTime, now time.Time) (*Job, error) {
	payload, key, err := c.templates.render(def, fireTime)
	if err != nil {
		return nil, Permanent(err)
	}
	id := def.ID
	return &Job{
		QueueName:      def.QueueName,
		Payload:        payload,
		Priority:       def.Priority,
		Status:         StatusPending,
		MaxAttempts:    def.MaxAttempts,
		AvailableAt:    now,
		IdempotencyKey: key,
		ScheduleID:     &id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Run ticks immediately and then every CheckInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "scheduler started", slog.Duration("check_interval", s.cfg.CheckInterval))

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "scheduler tick completed with errors", logger.Error(err))
		}

		select {
		case <-ctx.Done():
			s.log.InfoContext(context.WithoutCancel(ctx), "scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Enable resumes a schedule. Occurrences missed while it was disabled are
// skipped.
func (s *Scheduler) Enable(ctx context.Context, name string) error {
	def, err := s.storage.GetSchedule(ctx, name)
	if err != nil {
		return classify("enable schedule", err)
	}
	c, err := s.compiledFor(def)
	if err != nil {
		return err
	}

	now := s.now()
	var next time.Time
	if !def.NextRunAt.After(now) {
		next = normalizeTime(c.schedule.Next(now))
	}
	if err := s.storage.SetScheduleEnabled(ctx, name, true, next, now); err != nil {
		return classify("enable schedule", err)
	}
	s.log.InfoContext(ctx, "schedule enabled", logger.Schedule(name))
	return nil
}

// Disable stops a schedule from firing. Its definition is kept.
func (s *Scheduler) Disable(ctx context.Context, name string) error {
	if err := s.storage.SetScheduleEnabled(ctx, name, false, time.Time{}, s.now()); err != nil {
		return classify("disable schedule", err)
	}
	s.log.InfoContext(ctx, "schedule disabled", logger.Schedule(name))
	return nil
}

// Unregister deletes a schedule and its firing records.
func (s *Scheduler) Unregister(ctx context.Context, name string) error {
	if err := s.storage.DeleteSchedule(ctx, name); err != nil {
		return classify("unregister schedule", err)
	}
	s.mu.Lock()
	delete(s.compiled, name)
	s.mu.Unlock()
	s.log.InfoContext(ctx, "schedule unregistered", logger.Schedule(name))
	return nil
}

// Get returns a schedule by name.
func (s *Scheduler) Get(ctx context.Context, name string) (*ScheduleDefinition, error) {
	def, err := s.storage.GetSchedule(ctx, name)
	if err != nil {
		return nil, classify("get schedule", err)
	}
	return def, nil
}

// List returns all schedules ordered by name.
func (s *Scheduler) List(ctx context.Context) ([]*ScheduleDefinition, error) {
	defs, err := s.storage.ListSchedules(ctx)
	if err != nil {
		return nil, classify("list schedules", err)
	}
	return defs, nil
}

// PurgeFirings deletes firing records older than FiringRetention.
func (s *Scheduler) PurgeFirings(ctx context.Context) (int64, error) {
	if s.cfg.FiringRetention <= 0 {
		return 0, nil
	}
	n, err := s.storage.PurgeFirings(ctx, s.now().Add(-s.cfg.FiringRetention))
	if err != nil {
		return 0, classify("purge firings", err)
	}
	if n > 0 {
		s.log.InfoContext(ctx, "purged schedule firings", slog.Int64("count", n))
	}
	return n, nil
}

// normalizeTime matches PostgreSQL timestamptz precision so compare-and-set
// on next_run_at sees the value it stored.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}
