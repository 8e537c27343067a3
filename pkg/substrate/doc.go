// Package substrate assembles the cache, queue, scheduler, worker, reaper and
// ops endpoints over a single PostgreSQL pool.
//
// API processes build a Substrate to reach Cache and Queue. Worker processes
// additionally register handlers and schedules at startup and call Run, which
// keeps every background loop under one errgroup until the context ends:
//
//	s, err := substrate.New(pool, cfg, substrate.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	_ = s.RegisterHandler("webhook_delivery", queue.NewJobHandler(deliverWebhook))
//	_, _ = s.RegisterSchedule(ctx, queue.ScheduleDefinition{
//		Name:       "nightly-digest",
//		Expression: "0 3 * * *",
//		QueueName:  "notifications",
//	})
//	return s.Run(ctx)
//
// Run's reaper also purges expired cache rows and old schedule firings.
// Metrics from every engine are registered with one Prometheus registry,
// served at /metrics next to /healthz and /readyz.
package substrate
