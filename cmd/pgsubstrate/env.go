package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"

	"github.com/dmitrymomot/pgsubstrate/pkg/config"
	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
	"github.com/dmitrymomot/pgsubstrate/pkg/substrate"
)

var errNoDatabase = errors.New("command requires a database connection")

type appConfig struct {
	AppName  string `env:"APP_NAME" envDefault:"pgsubstrate"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Substrate substrate.Config
}

// runtime is what a command operates on. pool is nil when the substrate runs
// on in-memory storages.
type runtime struct {
	cfg  appConfig
	log  *slog.Logger
	pool *pgxpool.Pool
	sub  *substrate.Substrate
}

func (r *runtime) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

type cliEnv struct {
	stdout io.Writer
	stderr io.Writer
	open   func(ctx context.Context, env *cliEnv) (*runtime, error)
}

func (e *cliEnv) loadEnvFiles(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := config.LoadEnv(paths...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	config.ResetCache()
	return nil
}

func (e *cliEnv) output(cmd *cli.Command) *output {
	return newOutput(e.stdout, e.stderr, cmd.Bool("json"))
}

func newLogger(cfg appConfig, w io.Writer) *slog.Logger {
	return logger.New(
		logger.WithEnvironment(cfg.AppEnv, cfg.AppName),
		logger.WithLevel(logger.ParseLevel(cfg.LogLevel)),
		logger.WithOutput(w),
	)
}

// openRuntime connects to the configured database. Migrations are not applied
// here; that is the migrate command's job.
func openRuntime(ctx context.Context, env *cliEnv) (*runtime, error) {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg, env.stderr)

	pool, err := pg.Connect(ctx, cfg.Substrate.Postgres)
	if err != nil {
		return nil, err
	}

	sub, err := substrate.New(pool, cfg.Substrate, substrate.WithLogger(log))
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, log: log, pool: pool, sub: sub}, nil
}

type runtimeAction func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error

// withRuntime opens the runtime for the duration of one command.
func withRuntime(env *cliEnv, fn runtimeAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		rt, err := env.open(ctx, env)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, cmd, rt, env.output(cmd))
	}
}

// usageError marks invalid command-line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
