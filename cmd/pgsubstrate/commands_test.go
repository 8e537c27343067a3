package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsubstrate/pkg/cache"
	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
	"github.com/dmitrymomot/pgsubstrate/pkg/substrate"
)

type testCLI struct {
	env    *cliEnv
	rt     *runtime
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()

	cfg := substrate.DefaultConfig()
	log := slog.New(slog.DiscardHandler)
	sub, err := substrate.New(nil, cfg,
		substrate.WithStorage(queue.NewMemoryStorage(), cache.NewMemoryStorage()),
		substrate.WithLogger(log),
		substrate.WithoutOpsServer())
	require.NoError(t, err)

	rt := &runtime{cfg: appConfig{Substrate: cfg}, log: log, sub: sub}
	c := &testCLI{rt: rt, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	c.env = &cliEnv{
		stdout: c.stdout,
		stderr: c.stderr,
		open:   func(context.Context, *cliEnv) (*runtime, error) { return rt, nil },
	}
	return c
}

// run executes one command line and returns its exit code.
func (c *testCLI) run(args ...string) int {
	c.stdout.Reset()
	c.stderr.Reset()
	err := createApp(c.env).Run(context.Background(), append([]string{"pgsubstrate"}, args...))
	return exitCode(err, c.stderr)
}

func (c *testCLI) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(c.stdout.Bytes(), v), c.stdout.String())
}

func TestJobsCommands(t *testing.T) {
	t.Parallel()
	c := newTestCLI(t)
	ctx := context.Background()

	require.Equal(t, 0, c.run("--json", "jobs", "enqueue", "--priority", "75", "-k", "evt-1", "emails", `{"to":"a@example.com"}`), c.stderr.String())
	var enqueued struct {
		JobID int64 `json:"job_id"`
	}
	c.decode(t, &enqueued)
	require.Positive(t, enqueued.JobID)

	require.Equal(t, 0, c.run("--json", "jobs", "enqueue", "-k", "evt-1", "emails"))
	var dup struct {
		JobID int64 `json:"job_id"`
	}
	c.decode(t, &dup)
	assert.Equal(t, enqueued.JobID, dup.JobID, "idempotency key collapses the second enqueue")

	job, err := c.rt.sub.Queue.Get(ctx, enqueued.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.Priority(75), job.Priority)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(job.Payload))

	idArg := strconv.FormatInt(enqueued.JobID, 10)
	require.Equal(t, 0, c.run("jobs", "show", idArg))
	assert.Contains(t, c.stdout.String(), "evt-1")
	assert.Contains(t, c.stdout.String(), "pending")

	require.Equal(t, 0, c.run("jobs", "list", "--queue", "emails"))
	lines := strings.Split(strings.TrimSpace(c.stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))

	require.Equal(t, 0, c.run("jobs", "cancel", idArg))
	job, err = c.rt.sub.Queue.Get(ctx, enqueued.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)

	require.Equal(t, 0, c.run("--json", "jobs", "replay", idArg))
	var replayed map[string]int64
	c.decode(t, &replayed)
	assert.Equal(t, enqueued.JobID, replayed["job_id"])
	assert.NotEqual(t, enqueued.JobID, replayed["new_job_id"])

	require.Equal(t, 0, c.run("--json", "jobs", "stats"))
	var stats []queue.QueueStats
	c.decode(t, &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Counts[queue.StatusPending])
	assert.Equal(t, 1, stats[0].Counts[queue.StatusFailed])

	require.Equal(t, 0, c.run("jobs", "stats"))
	assert.Contains(t, c.stdout.String(), "emails")
}

func TestJobsArgumentErrors(t *testing.T) {
	t.Parallel()
	c := newTestCLI(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "missing queue", args: []string{"jobs", "enqueue"}, code: 2},
		{name: "invalid payload", args: []string{"jobs", "enqueue", "emails", "{not json"}, code: 2},
		{name: "invalid queue name", args: []string{"jobs", "enqueue", "Bad Queue"}, code: 1},
		{name: "missing id", args: []string{"jobs", "show"}, code: 2},
		{name: "non-numeric id", args: []string{"jobs", "replay", "abc"}, code: 2},
		{name: "unknown job", args: []string{"jobs", "show", "999"}, code: 1},
		{name: "unknown status", args: []string{"jobs", "list", "--status", "running"}, code: 2},
		{name: "migrate without database", args: []string{"migrate"}, code: 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, c.run(tt.args...), tt.name)
	}
}

const scheduleYAML = `
schedules:
  - name: nightly-digest
    expression: "0 3 * * *"
    timezone: Europe/Berlin
    queue: notifications
    payload: '{"kind":"digest","for":"{{date .FireTime}}"}'
    catch_up: latest
  - name: reindex
    expression: 15m
    queue: search
    priority: 25
    max_attempts: 5
    enabled: false
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSchedulesCommands(t *testing.T) {
	t.Parallel()
	c := newTestCLI(t)
	ctx := context.Background()
	path := writeFile(t, "schedules.yaml", scheduleYAML)

	require.Equal(t, 0, c.run("schedules", "sync", "--file", path), c.stderr.String())
	assert.Contains(t, c.stdout.String(), "nightly-digest")

	digest, err := c.rt.sub.Scheduler.Get(ctx, "nightly-digest")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", digest.Timezone)
	assert.True(t, digest.Enabled)

	reindex, err := c.rt.sub.Scheduler.Get(ctx, "reindex")
	require.NoError(t, err)
	assert.False(t, reindex.Enabled)
	assert.Equal(t, 5, reindex.MaxAttempts)

	require.Equal(t, 0, c.run("schedules", "enable", "reindex"))
	require.Equal(t, 0, c.run("schedules", "disable", "nightly-digest"))

	require.Equal(t, 0, c.run("--json", "schedules", "list"))
	var defs []queue.ScheduleDefinition
	c.decode(t, &defs)
	require.Len(t, defs, 2)
	enabled := map[string]bool{}
	for _, d := range defs {
		enabled[d.Name] = d.Enabled
	}
	assert.Equal(t, map[string]bool{"nightly-digest": false, "reindex": true}, enabled)

	// Re-syncing without an enabled key keeps the operator's choice.
	only := writeFile(t, "one.yaml", "schedules:\n  - name: nightly-digest\n    expression: \"0 3 * * *\"\n    queue: notifications\n")
	require.Equal(t, 0, c.run("--json", "schedules", "sync", "-f", only, "--prune"))
	var res struct {
		Removed []string `json:"removed"`
	}
	c.decode(t, &res)
	assert.Equal(t, []string{"reindex"}, res.Removed)

	digest, err = c.rt.sub.Scheduler.Get(ctx, "nightly-digest")
	require.NoError(t, err)
	assert.False(t, digest.Enabled)
	assert.Equal(t, "UTC", digest.Timezone)

	_, err = c.rt.sub.Scheduler.Get(ctx, "reindex")
	assert.Error(t, err)

	assert.Equal(t, 2, c.run("schedules", "enable"))
	assert.NotEqual(t, 0, c.run("schedules", "sync"), "file flag is required")
}

func TestParseSchedules(t *testing.T) {
	t.Parallel()

	specs, err := parseSchedules(strings.NewReader(scheduleYAML))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, queue.CatchUpLatest, specs[0].def.CatchUp)
	assert.Nil(t, specs[0].enabled)
	require.NotNil(t, specs[1].enabled)
	assert.False(t, *specs[1].enabled)
	assert.Equal(t, queue.Priority(25), specs[1].def.Priority)

	withStart, err := parseSchedules(strings.NewReader(
		"schedules:\n  - name: a\n    expression: 1h\n    queue: q\n    start_at: 2025-03-01T12:00:00Z\n"))
	require.NoError(t, err)
	assert.True(t, withStart[0].def.StartAt.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	invalid := map[string]string{
		"empty":         "",
		"unknown field": "schedules:\n  - name: a\n    cron: '* * * * *'\n",
		"missing name":  "schedules:\n  - expression: 1h\n",
		"duplicate":     "schedules:\n  - name: a\n  - name: a\n",
	}
	for name, doc := range invalid {
		_, err := parseSchedules(strings.NewReader(doc))
		var usage *usageError
		assert.ErrorAs(t, err, &usage, name)
	}
}

func TestCacheAndReapCommands(t *testing.T) {
	t.Parallel()
	c := newTestCLI(t)
	ctx := context.Background()
	eng := c.rt.sub.Cache

	require.NoError(t, eng.Set(ctx, "projects", "a", []byte("1"), time.Hour))
	require.NoError(t, eng.Set(ctx, "projects", "b", []byte("2"), time.Hour))
	require.NoError(t, eng.Set(ctx, "users", "a", []byte("3"), time.Hour))

	require.Equal(t, 0, c.run("cache", "invalidate", "users", "a"))
	_, ok := eng.Get(ctx, "users", "a")
	assert.False(t, ok)

	require.Equal(t, 0, c.run("--json", "cache", "invalidate", "projects"))
	var res map[string]any
	c.decode(t, &res)
	assert.EqualValues(t, 2, res["invalidated"])

	require.Equal(t, 0, c.run("--json", "cache", "purge"))
	assert.Equal(t, 2, c.run("cache", "invalidate"))

	require.Equal(t, 0, c.run("reap"))
	out := c.stdout.String()
	for _, step := range []string{"leases", "finished_jobs", "cache", "schedule_firings"} {
		assert.Contains(t, out, step)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	assert.Equal(t, 0, exitCode(nil, &stderr))
	assert.Equal(t, 2, exitCode(usagef("bad %s", "flag"), &stderr))
	assert.Contains(t, stderr.String(), "invalid arguments: bad flag")
	assert.Equal(t, 1, exitCode(errNoDatabase, &stderr))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "connection refused by upstream", n: 13, want: "connection..."},
		{in: "ошибка соединения с базой", n: 9, want: "ошибка..."},
		{in: "日本語のエラー", n: 7, want: "日本語のエラー"},
		{in: "日本語のエラーです", n: 5, want: "日本..."},
		{in: "abcdef", n: 2, want: "ab"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		assert.Equal(t, tt.want, got)
		assert.True(t, utf8.ValidString(got))
	}
}
