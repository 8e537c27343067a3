package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the cache engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	sets          *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	purged        prometheus.Counter
	errors        *prometheus.CounterVec
}

// NewMetrics creates the cache collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgsubstrate",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache reads that returned a live entry.",
		}, []string{"namespace", "tier"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgsubstrate",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache reads that found no live entry.",
		}, []string{"namespace"}),
		sets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgsubstrate",
			Subsystem: "cache",
			Name:      "sets_total",
			Help:      "Cache writes.",
		}, []string{"namespace"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgsubstrate",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Explicit cache deletions.",
		}, []string{"namespace", "scope"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgsubstrate",
			Subsystem: "cache",
			Name:      "purged_total",
			Help:      "Expired rows removed by the janitor.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgsubstrate",
			Subsystem: "cache",
			Name:      "storage_errors_total",
			Help:      "Storage failures by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.sets, m.invalidations, m.purged, m.errors)
	}
	return m
}

func (m *Metrics) hit(ns, tier string) {
	if m != nil {
		m.hits.WithLabelValues(ns, tier).Inc()
	}
}

func (m *Metrics) miss(ns string) {
	if m != nil {
		m.misses.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) set(ns string) {
	if m != nil {
		m.sets.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) invalidate(ns, scope string) {
	if m != nil {
		m.invalidations.WithLabelValues(ns, scope).Inc()
	}
}

func (m *Metrics) purge(n int64) {
	if m != nil && n > 0 {
		m.purged.Add(float64(n))
	}
}

func (m *Metrics) storageError(op string) {
	if m != nil {
		m.errors.WithLabelValues(op).Inc()
	}
}
