package httpserver

import "time"

// Config is the ops endpoint configuration loaded from the environment.
type Config struct {
	Addr            string        `env:"OPS_ADDR" envDefault:":8081"`          // Addr is the address the ops server listens on.
	ReadTimeout     time.Duration `env:"OPS_READ_TIMEOUT" envDefault:"5s"`     // ReadTimeout bounds reading a probe or scrape request.
	WriteTimeout    time.Duration `env:"OPS_WRITE_TIMEOUT" envDefault:"30s"`   // WriteTimeout bounds writing a response, including /metrics.
	IdleTimeout     time.Duration `env:"OPS_IDLE_TIMEOUT" envDefault:"60s"`    // IdleTimeout is the keep-alive idle limit.
	ShutdownTimeout time.Duration `env:"OPS_SHUTDOWN_TIMEOUT" envDefault:"5s"` // ShutdownTimeout is the time allowed for graceful shutdown.
	CheckTimeout    time.Duration `env:"OPS_CHECK_TIMEOUT" envDefault:"2s"`    // CheckTimeout bounds each readiness check.
}

// NewFromConfig creates a Server from cfg. Zero values keep the defaults;
// opts are applied after the config.
func NewFromConfig(cfg Config, opts ...Option) *Server {
	configOpts := make([]Option, 0, 3+len(opts))

	if cfg.Addr != "" {
		configOpts = append(configOpts, WithAddr(cfg.Addr))
	}
	configOpts = append(configOpts, WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout))
	if cfg.ShutdownTimeout > 0 {
		configOpts = append(configOpts, WithShutdownTimeout(cfg.ShutdownTimeout))
	}

	return New(append(configOpts, opts...)...)
}
