// Package pg provides the PostgreSQL plumbing shared by the cache, queue and
// scheduler engines: a pgx/v5 connection pool with startup retries, the
// embedded goose migrations that create the substrate tables, a health check,
// a transaction helper and error classification.
//
// # Architecture
//
//   - Config – populated from environment variables via github.com/caarlos0/env.
//     It controls pool limits, health-check cadence and the migrations table.
//
//   - Connect – opens a *pgxpool.Pool, retrying with a growing delay until the
//     database becomes available.
//
//   - Migrate – applies the embedded migrations (cache_entries, job_queue,
//     scheduled_jobs, schedule_firings) through goose on the same pool.
//
//   - DB / WithTx – the query surface accepted by the storages. A pgx.Tx
//     satisfies DB, so jobs can be enqueued in the caller's transaction.
//
// # Usage
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, slog.Default()); err != nil {
//	    return err
//	}
//
// # Error Handling
//
// IsDuplicateKeyError, IsNotFoundError and IsTransientError unwrap
// *pgconn.PgError values so callers can classify failures with a single call.
// IsSafeToRetry is narrower: it only matches errors after which nothing could
// have been committed.
package pg
