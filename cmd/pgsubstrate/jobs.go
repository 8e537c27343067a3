package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

var jobHeaders = []string{"ID", "QUEUE", "STATUS", "PRIORITY", "ATTEMPTS", "AVAILABLE_AT", "LAST_ERROR"}

func jobRows(jobs []*queue.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			strconv.FormatInt(j.ID, 10),
			j.QueueName,
			string(j.Status),
			strconv.Itoa(int(j.Priority)),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			formatTime(j.AvailableAt),
			truncate(j.LastError, 60),
		})
	}
	return rows
}

func parseJobID(cmd *cli.Command) (int64, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return 0, usagef("job id is required")
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, usagef("invalid job id %q", arg)
	}
	return id, nil
}

func jobsCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:    "jobs",
		Aliases: []string{"job"},
		Usage:   "inspect and manage queued jobs",
		Commands: []*cli.Command{
			jobsListCommand(env),
			jobsDeadCommand(env),
			jobsShowCommand(env),
			jobsReplayCommand(env),
			jobsCancelCommand(env),
			jobsStatsCommand(env),
			jobsEnqueueCommand(env),
		},
	}
}

func jobsListCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list jobs, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Usage: "filter by queue"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "filter by status (pending, leased, succeeded, failed, dead)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "maximum rows", Value: 50},
			&cli.IntFlag{Name: "offset", Usage: "rows to skip"},
		},
		Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
			status := queue.Status(cmd.String("status"))
			if status != "" && !status.Valid() {
				return usagef("unknown status %q", status)
			}
			jobs, err := rt.sub.Queue.List(ctx, queue.JobFilter{
				QueueName: cmd.String("queue"),
				Status:    status,
				Limit:     int(cmd.Int("limit")),
				Offset:    int(cmd.Int("offset")),
			})
			if err != nil {
				return err
			}
			return out.Print(jobHeaders, jobRows(jobs), jobs)
		}),
	}
}

func jobsDeadCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "dead",
		Usage: "list dead-lettered jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Usage: "filter by queue"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "maximum rows", Value: 50},
		},
		Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
			jobs, err := rt.sub.Queue.ListDead(ctx, cmd.String("queue"), int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			return out.Print(jobHeaders, jobRows(jobs), jobs)
		}),
	}
}

func jobsShowCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "show one job",
		ArgsUsage: "<id>",
		Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
			id, err := parseJobID(cmd)
			if err != nil {
				return err
			}
			job, err := rt.sub.Queue.Get(ctx, id)
			if err != nil {
				return err
			}
			if out.jsonMode {
				return out.JSON(job)
			}

			rows := [][]string{
				{"id", strconv.FormatInt(job.ID, 10)},
				{"queue", job.QueueName},
				{"status", string(job.Status)},
				{"priority", strconv.Itoa(int(job.Priority))},
				{"attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)},
				{"available_at", formatTime(job.AvailableAt)},
				{"lease_expires_at", formatTimePtr(job.LeaseExpiresAt)},
				{"leased_by", job.LeasedBy},
				{"idempotency_key", job.IdempotencyKey},
				{"cancel_requested", strconv.FormatBool(job.CancelRequested)},
				{"created_at", formatTime(job.CreatedAt)},
				{"finished_at", formatTimePtr(job.FinishedAt)},
				{"last_error", job.LastError},
				{"payload", string(job.Payload)},
			}
			if job.ScheduleID != nil {
				rows = append(rows, []string{"schedule_id", job.ScheduleID.String()})
			}
			return out.Table([]string{"FIELD", "VALUE"}, rows)
		}),
	}
}

func jobsReplayCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "enqueue a fresh copy of a dead or failed job",
		ArgsUsage: "<id>",
		Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
			id, err := parseJobID(cmd)
			if err != nil {
				return err
			}
			newID, err := rt.sub.Queue.Replay(ctx, id)
			if err != nil {
				return err
			}
			return out.Result(fmt.Sprintf("replayed job %d as %d", id, newID),
				map[string]int64{"job_id": id, "new_job_id": newID})
		}),
	}
}

func jobsCancelCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "cancel a pending job or ask the worker running it to stop",
		ArgsUsage: "<id>",
		Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
			id, err := parseJobID(cmd)
			if err != nil {
				return err
			}
			if err := rt.sub.Queue.RequestCancel(ctx, id); err != nil {
				return err
			}
			return out.Result(fmt.Sprintf("cancellation requested for job %d", id),
				map[string]any{"job_id": id, "cancel_requested": true})
		}),
	}
}

func jobsStatsCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "count jobs by queue and status",
		Action: withRuntime(env, func(ctx context.Context, _ *cli.Command, rt *runtime, out *output) error {
			stats, err := rt.sub.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			statuses := []queue.Status{
				queue.StatusPending,
				queue.StatusLeased,
				queue.StatusSucceeded,
				queue.StatusFailed,
				queue.StatusDead,
			}
			headers := []string{"QUEUE"}
			for _, s := range statuses {
				headers = append(headers, string(s))
			}
			rows := make([][]string, 0, len(stats))
			for _, qs := range stats {
				row := []string{qs.QueueName}
				for _, s := range statuses {
					row = append(row, strconv.Itoa(qs.Counts[s]))
				}
				rows = append(rows, row)
			}
			return out.Print(headers, rows, stats)
		}),
	}
}

func jobsEnqueueCommand(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "enqueue a job",
		ArgsUsage: "<queue> [payload-json]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "priority", Aliases: []string{"p"}, Usage: "higher is claimed first, negatives allowed"},
			&cli.DurationFlag{Name: "delay", Usage: "make the job available after this delay"},
			&cli.StringFlag{Name: "idempotency-key", Aliases: []string{"k"}, Usage: "collapse duplicates while a job with this key is pending or leased"},
			&cli.IntFlag{Name: "max-attempts", Usage: "attempt budget (default from QUEUE_MAX_ATTEMPTS)"},
		},
		Action: withRuntime(env, func(ctx context.Context, cmd *cli.Command, rt *runtime, out *output) error {
			queueName := cmd.Args().Get(0)
			if queueName == "" {
				return usagef("queue name is required")
			}
			payload := json.RawMessage(`{}`)
			if raw := cmd.Args().Get(1); raw != "" {
				if !json.Valid([]byte(raw)) {
					return usagef("payload is not valid JSON")
				}
				payload = json.RawMessage(raw)
			}

			opts := []queue.EnqueueOption{queue.WithPriority(queue.Priority(cmd.Int("priority")))}
			if d := cmd.Duration("delay"); d > 0 {
				opts = append(opts, queue.WithDelay(d))
			}
			if key := cmd.String("idempotency-key"); key != "" {
				opts = append(opts, queue.WithIdempotencyKey(key))
			}
			if n := cmd.Int("max-attempts"); n > 0 {
				opts = append(opts, queue.WithMaxAttempts(int(n)))
			}

			id, err := rt.sub.Queue.Enqueue(ctx, queueName, payload, opts...)
			if err != nil {
				return err
			}
			return out.Result(fmt.Sprintf("enqueued job %d on %s", id, queueName),
				map[string]any{"job_id": id, "queue": queueName})
		}),
	}
}
