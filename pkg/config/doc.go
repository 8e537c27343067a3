// Package config loads typed configuration from environment variables.
//
// Load parses the environment into any struct annotated with env tags
// (github.com/caarlos0/env/v11) and caches the result per type, so every
// component asking for the same config struct sees the same values. The
// default .env file is read once through github.com/joho/godotenv before the
// first parse; LoadEnv reads additional files explicitly.
//
//	var cfg queue.Config
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//
// Get returns a configuration that an earlier Load already parsed. A failed
// parse is not cached, so Load can be retried after fixing the environment.
// MustLoad and MustLoadEnv panic instead of returning errors. ResetCache and
// ForceReloadConfig exist for tests that mutate the environment between loads.
//
// Errors wrap ErrParsingConfig, ErrNilPointer or ErrConfigNotLoaded and can be
// matched with errors.Is.
package config
