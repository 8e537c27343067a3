package pg_test

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

func TestMigrations_Embedded(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(pg.Migrations(), ".")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	body, err := fs.ReadFile(pg.Migrations(), entries[0].Name())
	require.NoError(t, err)

	sql := string(body)
	for _, table := range []string{"cache_entries", "job_queue", "scheduled_jobs", "schedule_firings"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table, "missing table %s", table)
	}
	assert.True(t, strings.Contains(sql, "UNIQUE (schedule_id, fire_time)"))
	assert.Contains(t, sql, "job_queue_idempotency_key_idx")
	assert.Contains(t, sql, "-- +goose Down")
}
