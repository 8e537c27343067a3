package substrate

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/pgsubstrate/pkg/httpserver"
	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
)

func newOpsRouter(s *Substrate) http.Handler {
	var checks []httpserver.Check
	if s.pool != nil {
		checks = append(checks, httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(s.pool)})
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.LivenessHandler())
	r.Get("/readyz", httpserver.ReadinessHandler(s.log, s.cfg.Ops.CheckTimeout, checks...))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry:          s.registry,
		EnableOpenMetrics: true,
	}))

	return r
}
