// Package logger builds the *slog.Logger used by every substrate component.
//
// New takes functional options for the output format, the minimum level,
// static attributes and ContextExtractor callbacks. WithEnvironment applies a
// preset per APP_ENV: development logs text at debug, staging and production
// log JSON at info.
//
// Every logger returned by New appends the attributes stored in the record's
// context by ContextWithAttrs. The worker stores the job id, queue and attempt
// before calling a handler, so handlers that log with InfoContext and friends
// get those fields without passing them around.
//
// Attribute helpers (JobID, Queue, WorkerID, Schedule, FireTime, Attempt,
// Namespace, Error) keep key names consistent across the engines. Error and
// Errors return an empty attribute for nil errors.
//
// # Usage
//
//	log := logger.New(
//	    logger.WithEnvironment(os.Getenv("APP_ENV"), "pgsubstrate"),
//	    logger.WithLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL"))),
//	)
//	logger.SetAsDefault(log)
//
//	func handle(ctx context.Context, job *queue.Job) error {
//	    log.InfoContext(ctx, "sending email") // carries job_id and queue
//	    return nil
//	}
package logger
