package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

func migrateCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply the substrate schema migrations",
		Action: withRuntime(env, func(ctx context.Context, _ *cli.Command, rt *runtime, out *output) error {
			if rt.pool == nil {
				return errNoDatabase
			}
			if err := pg.Migrate(ctx, rt.pool, rt.cfg.Substrate.Postgres, rt.log); err != nil {
				return err
			}
			return out.Result("migrations applied", map[string]bool{"migrated": true})
		}),
	}
}

func runCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the scheduler, reaper and ops endpoints until interrupted",
		Description: `Job handlers live in the application binaries; this process only turns
schedules into jobs, recovers expired leases and purges old rows. Run it
alongside the workers or in place of their scheduler loop.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "schedules",
				Usage: "sync schedule definitions from a YAML file before starting",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "apply migrations before starting",
			},
		},
		Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, _ *output) error {
			if cmd.Bool("migrate") {
				if rt.pool == nil {
					return errNoDatabase
				}
				if err := pg.Migrate(ctx, rt.pool, rt.cfg.Substrate.Postgres, rt.log); err != nil {
					return err
				}
			}
			if path := cmd.String("schedules"); path != "" {
				defs, err := loadScheduleFile(path)
				if err != nil {
					return err
				}
				if _, err := syncSchedules(ctx, rt.sub.Scheduler, defs, false); err != nil {
					return err
				}
			}
			return rt.sub.Run(ctx)
		}),
	}
}

func reapCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "reap",
		Usage: "release expired leases and purge finished jobs, expired cache rows and old firings once",
		Action: withRuntime(env, func(ctx context.Context, _ *cli.Command, rt *runtime, out *output) error {
			res, err := rt.sub.Reaper.RunOnce(ctx)
			if err != nil {
				return err
			}

			rows := [][]string{
				{"leases", strconv.FormatInt(res.Reaped, 10)},
				{"finished_jobs", strconv.FormatInt(res.Purged, 10)},
			}
			names := make([]string, 0, len(res.Maintenance))
			for name := range res.Maintenance {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				rows = append(rows, []string{name, strconv.FormatInt(res.Maintenance[name], 10)})
			}
			return out.Print([]string{"STEP", "ROWS"}, rows, res)
		}),
	}
}

func cacheCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "manage cache entries",
		Commands: []*cli.Command{
			{
				Name:  "purge",
				Usage: "delete expired entries",
				Action: withRuntime(env, func(ctx context.Context, _ *cli.Command, rt *runtime, out *output) error {
					n, err := rt.sub.Cache.Purge(ctx)
					if err != nil {
						return err
					}
					return out.Result(fmt.Sprintf("purged %d expired entries", n), map[string]int64{"purged": n})
				}),
			},
			{
				Name:      "invalidate",
				Usage:     "delete one entry, or every entry of a namespace when no key is given",
				ArgsUsage: "<namespace> [key]",
				Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
					namespace, key := cmd.Args().Get(0), cmd.Args().Get(1)
					if namespace == "" {
						return usagef("namespace is required")
					}
					if key != "" {
						if err := rt.sub.Cache.Invalidate(ctx, namespace, key); err != nil {
							return err
						}
						return out.Result(fmt.Sprintf("invalidated %s/%s", namespace, key),
							map[string]any{"namespace": namespace, "key": key, "invalidated": 1})
					}
					n, err := rt.sub.Cache.InvalidateNamespace(ctx, namespace)
					if err != nil {
						return err
					}
					return out.Result(fmt.Sprintf("invalidated %d entries in %s", n, namespace),
						map[string]any{"namespace": namespace, "invalidated": n})
				}),
			},
		},
	}
}
