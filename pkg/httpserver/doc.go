// Package httpserver runs the small HTTP surface a substrate process exposes
// to its operators: liveness and readiness probes plus the Prometheus scrape
// endpoint.
//
// Server binds its listener eagerly (so Addr is known once the start hooks
// run), serves until the context passed to Run is cancelled and then shuts
// down within ShutdownTimeout. Run returns nil on a clean shutdown, which lets
// it sit in the same errgroup as the worker, scheduler and reaper loops.
//
// # Usage
//
//	r := chi.NewRouter()
//	r.Get("/healthz", httpserver.LivenessHandler())
//	r.Get("/readyz", httpserver.ReadinessHandler(log, 2*time.Second,
//		httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)},
//	))
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	g.Go(func() error { return srv.Run(ctx, r) })
//
// # Errors
//
// Bind and serve failures are joined with ErrStart; graceful shutdown
// failures with ErrShutdown.
package httpserver
