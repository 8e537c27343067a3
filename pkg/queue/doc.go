// Package queue provides a PostgreSQL-backed job queue with retries, dead
// lettering, leases and exactly-once recurring schedules.
//
// The package is organised around four components:
//
//   - Engine    — enqueues jobs and owns the job state machine (claim, ack, fail, reap)
//   - Scheduler — turns persisted ScheduleDefinitions into jobs, one per occurrence
//   - Worker    — claims jobs per queue and dispatches them to a registered Handler
//   - Reaper    — releases expired leases and purges old rows
//
// Components coordinate only through the database, so any number of them may
// run in separate processes. Storage is abstracted by the Storage and
// ScheduleStorage interfaces; PostgresStorage is the production implementation
// and MemoryStorage backs tests.
//
// # Architecture
//
//  1. Claim selects pending rows with FOR UPDATE SKIP LOCKED and issues a fresh
//     lease token per job. Ack, Fail and ExtendLease succeed only for the
//     current token while the lease is live; otherwise ErrLeaseMismatch.
//  2. Fail consults a BackoffPolicy while attempts remain and moves the job to
//     dead when they are exhausted or the error is Permanent.
//  3. A firing row unique on (schedule_id, fire_time) is inserted in the same
//     transaction as the job it produces, so concurrent schedulers enqueue one
//     job per occurrence.
//  4. Leases that expire without ack or fail are returned to pending by the
//     Reaper; handlers must tolerate at-least-once execution.
//
// # Usage
//
// Enqueue and handle a job:
//
//	storage := queue.NewPostgresStorage(pool)
//	engine, _ := queue.NewEngine(storage, queue.WithLogger(log))
//
//	id, err := engine.Enqueue(ctx, "webhook_delivery", Delivery{URL: url},
//	    queue.WithPriority(queue.PriorityHigh),
//	    queue.WithIdempotencyKey("delivery:"+eventID))
//
//	worker, _ := queue.NewWorker(engine, queue.WithMaxConcurrentJobs(8))
//	_ = worker.RegisterHandler("webhook_delivery", queue.NewJobHandler(
//	    func(ctx context.Context, d Delivery) error {
//	        return deliver(ctx, d)
//	    }))
//	g.Go(worker.Run(ctx))
//
// Register a recurring job:
//
//	scheduler, _ := queue.NewScheduler(storage, queue.WithQueueValidator(engine.ValidateQueueName))
//	_, err := scheduler.Register(ctx, queue.ScheduleDefinition{
//	    Name:            "audit-report",
//	    Expression:      queue.DailyAt(2, 30),
//	    Timezone:        "Europe/Berlin",
//	    QueueName:       "reports",
//	    PayloadTemplate: `{"day":"{{date .FireTime}}"}`,
//	})
//	g.Go(func() error { return scheduler.Run(ctx) })
//
// Long-running handlers renew their lease automatically; they can also poll
// for cancellation:
//
//	if jc, ok := queue.JobFromContext(ctx); ok && jc.CancelRequested() {
//	    return ctx.Err()
//	}
//
// # Error Handling
//
// Storage failures caused by lock contention or dropped connections are
// returned as *TransientError. Validation failures are *PermanentError and are
// never retried. Scheduler.Register returns *ScheduleConfigError for
// definitions that can never fire.
package queue
