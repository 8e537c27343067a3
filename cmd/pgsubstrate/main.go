// pgsubstrate is the operator tool for the PostgreSQL cache, queue and
// scheduler substrate.
//
// Usage:
//
//	pgsubstrate [global options] <command> [command options]
//
// Commands:
//
//	migrate                      apply the substrate schema migrations
//	run                          run scheduler, reaper and ops endpoints until interrupted
//	schedules sync|list|enable|disable
//	jobs list|dead|show|replay|cancel|stats|enqueue
//	reap                         run one maintenance cycle
//	cache purge|invalidate
//
// Configuration comes from the environment (DATABASE_URL, QUEUE_*, SCHEDULER_*,
// CACHE_*, OPS_*, APP_ENV, LOG_LEVEL); a .env file in the working directory is
// loaded when present.
//
// Exit codes:
//
//	0: success
//	1: command failed
//	2: invalid arguments
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Set through -ldflags "-X main.Version=... -X main.GitCommit=...".
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &cliEnv{stdout: stdout, stderr: stderr, open: openRuntime}
	return exitCode(createApp(env).Run(ctx, args), stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(stderr, "invalid arguments: %v\n", usage)
		return 2
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func createApp(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "pgsubstrate",
		Usage:     "operate the PostgreSQL cache, queue and scheduler substrate",
		Version:   fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Writer:    env.stdout,
		ErrWriter: env.stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print results as JSON",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "load additional .env files before reading the configuration",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, env.loadEnvFiles(cmd.StringSlice("env-file"))
		},
		// Errors are mapped to exit codes by run.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			migrateCommand(env),
			runCommand(env),
			schedulesCommand(env),
			jobsCommand(env),
			reapCommand(env),
			cacheCommand(env),
		},
	}
}
