package config_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsubstrate/pkg/config"
)

type poolEnvConfig struct {
	URL      string        `env:"TEST_POOL_URL" envDefault:"postgres://localhost:5432/app"`
	MaxConns int32         `env:"TEST_POOL_MAX_CONNS" envDefault:"10"`
	Timeout  time.Duration `env:"TEST_POOL_TIMEOUT" envDefault:"5s"`
}

type cachedEnvConfig struct {
	Namespace string `env:"TEST_CACHE_NAMESPACE" envDefault:"default"`
}

type presetEnvConfig struct {
	Queue string `env:"TEST_PRESET_QUEUE"`
	Batch int    `env:"TEST_PRESET_BATCH"`
}

type retryEnvConfig struct {
	Token string `env:"TEST_RETRY_TOKEN,required"`
}

type neverLoadedConfig struct {
	Value string `env:"TEST_NEVER_LOADED"`
}

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		// Register the restore hook before clearing the value.
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadParsesEnvironment(t *testing.T) {
	config.ResetCache()
	t.Setenv("TEST_POOL_URL", "postgres://db:5432/substrate")
	t.Setenv("TEST_POOL_MAX_CONNS", "32")
	unsetenv(t, "TEST_POOL_TIMEOUT")

	var cfg poolEnvConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "postgres://db:5432/substrate", cfg.URL)
	assert.Equal(t, int32(32), cfg.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	got, err := config.Get[poolEnvConfig]()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadCachesPerType(t *testing.T) {
	config.ResetCache()
	t.Setenv("TEST_CACHE_NAMESPACE", "first")

	var first cachedEnvConfig
	require.NoError(t, config.Load(&first))

	t.Setenv("TEST_CACHE_NAMESPACE", "second")

	var second cachedEnvConfig
	require.NoError(t, config.Load(&second))
	assert.Equal(t, "first", second.Namespace)

	require.NoError(t, config.ForceReloadConfig(&second))
	assert.Equal(t, "second", second.Namespace)

	config.ResetCache()
	_, err := config.Get[cachedEnvConfig]()
	assert.ErrorIs(t, err, config.ErrConfigNotLoaded)
}

func TestLoadKeepsPresetFields(t *testing.T) {
	config.ResetCache()
	unsetenv(t, "TEST_PRESET_QUEUE")
	t.Setenv("TEST_PRESET_BATCH", "7")

	cfg := presetEnvConfig{Queue: "emails", Batch: 1}
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "emails", cfg.Queue)
	assert.Equal(t, 7, cfg.Batch)
}

func TestLoadDoesNotCacheFailures(t *testing.T) {
	config.ResetCache()
	unsetenv(t, "TEST_RETRY_TOKEN")

	var cfg retryEnvConfig
	require.ErrorIs(t, config.Load(&cfg), config.ErrParsingConfig)
	assert.Panics(t, func() { config.MustLoad(&cfg) })

	_, err := config.Get[retryEnvConfig]()
	require.ErrorIs(t, err, config.ErrConfigNotLoaded)

	t.Setenv("TEST_RETRY_TOKEN", "s3cret")
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "s3cret", cfg.Token)
	assert.NotPanics(t, func() { config.MustLoad(&cfg) })
}

func TestLoadConcurrentCallers(t *testing.T) {
	config.ResetCache()
	t.Setenv("TEST_POOL_MAX_CONNS", "4")

	var wg sync.WaitGroup
	results := make([]poolEnvConfig, 16)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = config.Load(&results[i])
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, int32(4), results[i].MaxConns)
	}
}

func TestNilPointer(t *testing.T) {
	assert.ErrorIs(t, config.Load[neverLoadedConfig](nil), config.ErrNilPointer)
	assert.ErrorIs(t, config.ForceReloadConfig[neverLoadedConfig](nil), config.ErrNilPointer)

	_, err := config.Get[neverLoadedConfig]()
	assert.ErrorIs(t, err, config.ErrConfigNotLoaded)
}
