package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

// scheduleFile is the YAML layout accepted by "schedules sync":
//
//	schedules:
//	  - name: nightly-digest
//	    expression: "0 3 * * *"
//	    timezone: Europe/Berlin
//	    queue: notifications
//	    payload: '{"kind":"digest","for":"{{date .FireTime}}"}'
//	    catch_up: latest
type scheduleFile struct {
	Schedules []scheduleEntry `yaml:"schedules"`
}

type scheduleEntry struct {
	Name           string    `yaml:"name"`
	Expression     string    `yaml:"expression"`
	Timezone       string    `yaml:"timezone"`
	Queue          string    `yaml:"queue"`
	Payload        string    `yaml:"payload"`
	IdempotencyKey string    `yaml:"idempotency_key"`
	Priority       int       `yaml:"priority"`
	MaxAttempts    int       `yaml:"max_attempts"`
	CatchUp        string    `yaml:"catch_up"`
	StartAt        time.Time `yaml:"start_at"`
	Enabled        *bool     `yaml:"enabled"`
}

// scheduleSpec is a definition plus the enabled state requested by the file.
// A nil enabled keeps the stored state.
type scheduleSpec struct {
	def     queue.ScheduleDefinition
	enabled *bool
}

func loadScheduleFile(path string) ([]scheduleSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schedule file: %w", err)
	}
	defer f.Close()
	return parseSchedules(f)
}

func parseSchedules(r io.Reader) ([]scheduleSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file scheduleFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, usagef("schedule file is empty")
		}
		return nil, usagef("parse schedule file: %v", err)
	}

	seen := make(map[string]struct{}, len(file.Schedules))
	specs := make([]scheduleSpec, 0, len(file.Schedules))
	for i, e := range file.Schedules {
		if e.Name == "" {
			return nil, usagef("schedule #%d has no name", i+1)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, usagef("schedule %q is defined twice", e.Name)
		}
		seen[e.Name] = struct{}{}

		specs = append(specs, scheduleSpec{
			def: queue.ScheduleDefinition{
				Name:                   e.Name,
				Expression:             e.Expression,
				Timezone:               e.Timezone,
				QueueName:              e.Queue,
				PayloadTemplate:        e.Payload,
				IdempotencyKeyTemplate: e.IdempotencyKey,
				Priority:               queue.Priority(e.Priority),
				MaxAttempts:            e.MaxAttempts,
				CatchUp:                queue.CatchUpPolicy(e.CatchUp),
				StartAt:                e.StartAt,
			},
			enabled: e.Enabled,
		})
	}
	return specs, nil
}

type syncResult struct {
	Registered []*queue.ScheduleDefinition `json:"registered"`
	Removed    []string                    `json:"removed,omitempty"`
}

// syncSchedules registers every spec and applies its enabled flag. With prune,
// stored schedules missing from specs are unregistered.
func syncSchedules(ctx context.Context, s *queue.Scheduler, specs []scheduleSpec, prune bool) (syncResult, error) {
	var res syncResult
	keep := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		def, err := s.Register(ctx, spec.def)
		if err != nil {
			return res, err
		}
		if spec.enabled != nil && *spec.enabled != def.Enabled {
			if err := setEnabled(ctx, s, def.Name, *spec.enabled); err != nil {
				return res, err
			}
			if def, err = s.Get(ctx, def.Name); err != nil {
				return res, err
			}
		}
		keep[def.Name] = struct{}{}
		res.Registered = append(res.Registered, def)
	}

	if !prune {
		return res, nil
	}

	stored, err := s.List(ctx)
	if err != nil {
		return res, err
	}
	for _, def := range stored {
		if _, ok := keep[def.Name]; ok {
			continue
		}
		if err := s.Unregister(ctx, def.Name); err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, def.Name)
	}
	return res, nil
}

func setEnabled(ctx context.Context, s *queue.Scheduler, name string, enabled bool) error {
	if enabled {
		return s.Enable(ctx, name)
	}
	return s.Disable(ctx, name)
}

func scheduleRows(defs []*queue.ScheduleDefinition) [][]string {
	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		rows = append(rows, []string{
			d.Name,
			d.Expression,
			d.Timezone,
			d.QueueName,
			string(d.CatchUp),
			formatTime(d.NextRunAt),
			formatTimePtr(d.LastRunAt),
			strconv.FormatBool(d.Enabled),
		})
	}
	return rows
}

var scheduleHeaders = []string{"NAME", "EXPRESSION", "TIMEZONE", "QUEUE", "CATCH_UP", "NEXT_RUN", "LAST_RUN", "ENABLED"}

func schedulesCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:    "schedules",
		Aliases: []string{"schedule"},
		Usage:   "manage recurring schedules",
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "register the schedules defined in a YAML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "schedule definitions",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "prune",
						Usage: "unregister stored schedules that the file does not define",
					},
				},
				Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
					specs, err := loadScheduleFile(cmd.String("file"))
					if err != nil {
						return err
					}
					res, err := syncSchedules(ctx, rt.sub.Scheduler, specs, cmd.Bool("prune"))
					if err != nil {
						return err
					}
					if out.jsonMode {
						return out.JSON(res)
					}
					if err := out.Table(scheduleHeaders, scheduleRows(res.Registered)); err != nil {
						return err
					}
					for _, name := range res.Removed {
						fmt.Fprintf(out.w, "removed %s\n", name)
					}
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "list stored schedules",
				Action: withRuntime(env, func(ctx context.Context, _ *cli.Command, rt *runtime, out *output) error {
					defs, err := rt.sub.Scheduler.List(ctx)
					if err != nil {
						return err
					}
					return out.Print(scheduleHeaders, scheduleRows(defs), defs)
				}),
			},
			{
				Name:      "enable",
				Usage:     "enable a schedule; missed occurrences are skipped",
				ArgsUsage: "<name>",
				Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
					name := cmd.Args().First()
					if name == "" {
						return usagef("schedule name is required")
					}
					if err := rt.sub.Scheduler.Enable(ctx, name); err != nil {
						return err
					}
					return out.Result("enabled "+name, map[string]any{"name": name, "enabled": true})
				}),
			},
			{
				Name:      "disable",
				Usage:     "disable a schedule",
				ArgsUsage: "<name>",
				Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
					name := cmd.Args().First()
					if name == "" {
						return usagef("schedule name is required")
					}
					if err := rt.sub.Scheduler.Disable(ctx, name); err != nil {
						return err
					}
					return out.Result("disabled "+name, map[string]any{"name": name, "enabled": false})
				}),
			},
		},
	}
}
