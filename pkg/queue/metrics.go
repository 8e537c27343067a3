package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the queue, worker and scheduler collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	jobsEnqueued     *prometheus.CounterVec
	jobsDeduplicated *prometheus.CounterVec
	jobsClaimed      *prometheus.CounterVec
	jobsAcked        prometheus.Counter
	jobsFailed       *prometheus.CounterVec
	jobsDead         *prometheus.CounterVec
	jobsReaped       *prometheus.CounterVec
	leaseMismatches  *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	jobsInFlight     *prometheus.GaugeVec
	scheduleFirings  *prometheus.CounterVec
	scheduleSkipped  *prometheus.CounterVec
}

const metricsNamespace = "pgsubstrate"

// NewMetrics creates the queue collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Jobs inserted into the queue.",
		}, []string{"queue"}),
		jobsDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_deduplicated_total",
			Help: "Enqueue calls answered by an existing job with the same idempotency key.",
		}, []string{"queue"}),
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_claimed_total",
			Help: "Jobs leased to workers.",
		}, []string{"queue"}),
		jobsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_acked_total",
			Help: "Jobs completed successfully.",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_failed_total",
			Help: "Failed job attempts.",
		}, []string{"queue"}),
		jobsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_dead_total",
			Help: "Jobs moved to the dead state.",
		}, []string{"queue"}),
		jobsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_reaped_total",
			Help: "Expired leases released by the reaper.",
		}, []string{"queue"}),
		leaseMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "lease_mismatches_total",
			Help: "Ack, fail or extend calls made without a live lease.",
		}, []string{"op"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "worker", Name: "handler_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"queue", "outcome"}),
		jobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "worker", Name: "jobs_in_flight",
			Help: "Jobs currently being handled by this process.",
		}, []string{"queue"}),
		scheduleFirings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "scheduler", Name: "firings_total",
			Help: "Schedule occurrences that enqueued a job.",
		}, []string{"schedule"}),
		scheduleSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "scheduler", Name: "firings_skipped_total",
			Help: "Schedule occurrences already fired by another instance.",
		}, []string{"schedule"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.jobsEnqueued, m.jobsDeduplicated, m.jobsClaimed, m.jobsAcked,
			m.jobsFailed, m.jobsDead, m.jobsReaped, m.leaseMismatches,
			m.handlerDuration, m.jobsInFlight, m.scheduleFirings, m.scheduleSkipped,
		)
	}
	return m
}

func (m *Metrics) enqueued(queue string) {
	if m != nil {
		m.jobsEnqueued.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) deduplicated(queue string) {
	if m != nil {
		m.jobsDeduplicated.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) claimed(queue string, n int) {
	if m != nil {
		m.jobsClaimed.WithLabelValues(queue).Add(float64(n))
	}
}

func (m *Metrics) acked() {
	if m != nil {
		m.jobsAcked.Inc()
	}
}

func (m *Metrics) failed(queue string) {
	if m != nil {
		m.jobsFailed.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) dead(queue string) {
	if m != nil {
		m.jobsDead.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) reaped(queue string) {
	if m != nil {
		m.jobsReaped.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) leaseMismatch(op string) {
	if m != nil {
		m.leaseMismatches.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) handled(queue, outcome string, d time.Duration) {
	if m != nil {
		m.handlerDuration.WithLabelValues(queue, outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) inFlight(queue string, delta float64) {
	if m != nil {
		m.jobsInFlight.WithLabelValues(queue).Add(delta)
	}
}

func (m *Metrics) fired(schedule string) {
	if m != nil {
		m.scheduleFirings.WithLabelValues(schedule).Inc()
	}
}

func (m *Metrics) skipped(schedule string) {
	if m != nil {
		m.scheduleSkipped.WithLabelValues(schedule).Inc()
	}
}
