package pg

import "time"

// Config holds pool and migration settings read from the environment.
type Config struct {
	ConnectionString string `env:"DATABASE_URL,required"`
	ApplicationName  string `env:"PG_APPLICATION_NAME" envDefault:"pgsubstrate"`

	// Pool limits. Zero keeps the pgxpool default.
	MaxConns          int32         `env:"PG_MAX_CONNS" envDefault:"10"`
	MinConns          int32         `env:"PG_MIN_CONNS" envDefault:"2"`
	HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
	MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
	MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`

	// Startup retries while the database comes up; the delay doubles up to
	// ConnectMaxDelay.
	ConnectAttempts uint          `env:"PG_CONNECT_ATTEMPTS" envDefault:"5"`
	ConnectDelay    time.Duration `env:"PG_CONNECT_DELAY" envDefault:"1s"`
	ConnectMaxDelay time.Duration `env:"PG_CONNECT_MAX_DELAY" envDefault:"15s"`

	// MigrationsPath replaces the embedded migrations with a directory on disk.
	MigrationsPath  string `env:"PG_MIGRATIONS_PATH"`
	MigrationsTable string `env:"PG_MIGRATIONS_TABLE" envDefault:"substrate_migrations"`
}
