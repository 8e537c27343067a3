package substrate

import (
	"github.com/dmitrymomot/pgsubstrate/pkg/cache"
	"github.com/dmitrymomot/pgsubstrate/pkg/httpserver"
	"github.com/dmitrymomot/pgsubstrate/pkg/pg"
	"github.com/dmitrymomot/pgsubstrate/pkg/queue"
)

// Config aggregates the settings of every component. Each nested struct reads
// its own environment variables, so config.Load[Config] fills all of them.
type Config struct {
	Postgres  pg.Config
	Cache     cache.Config
	Queue     queue.Config
	Scheduler queue.SchedulerConfig
	Ops       httpserver.Config
}

// DefaultConfig returns the defaults of every component. Postgres has no
// usable default and must be filled by the caller.
func DefaultConfig() Config {
	return Config{
		Cache:     cache.DefaultConfig(),
		Queue:     queue.DefaultConfig(),
		Scheduler: queue.DefaultSchedulerConfig(),
		Ops:       httpserver.Config{Addr: ":8081"},
	}
}
