// Package metrics exposes the limiter's Prometheus collectors. It is an
// optional observer fed by the same events that drive the in-process
// Availability Tracker (internal/availability); nothing in the core engine
// depends on metrics being initialized.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors wraps the prometheus collectors for the limiter.
type Collectors struct {
	registry *prometheus.Registry

	ReservationsTotal *prometheus.CounterVec // labels: model, jobtype, outcome(admitted|rejected|queued)
	OverageTotal      *prometheus.CounterVec // labels: model, resource
	DelegationsTotal  *prometheus.CounterVec // labels: from_model, to_model
	JobsExhausted     prometheus.Counter

	WindowRemaining *prometheus.GaugeVec // labels: model, dimension
	ConcurrencyInUse *prometheus.GaugeVec // labels: model
	MemoryInUseKB    prometheus.Gauge
	JobTypeRatio     *prometheus.GaugeVec // labels: jobtype
	JobTypeInFlight  *prometheus.GaugeVec // labels: jobtype
	PoolTotalSlots   *prometheus.GaugeVec // labels: model
	AdjustmentsTotal prometheus.Counter

	ReservationLatency prometheus.Histogram // time spent waiting in CapacityWaitQueue, ms
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var active *Collectors

// Init creates and registers the collector set under the given namespace.
// Safe to call once at process start; subsequent calls replace the active
// set (used by tests that want an isolated registry).
func Init(namespace string) *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: registry,
		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_total", Help: "Reservation attempts by outcome.",
		}, []string{"model", "jobtype", "outcome"}),
		OverageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "overage_total", Help: "Actual usage exceeding the reserved estimate.",
		}, []string{"model", "resource"}),
		DelegationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delegations_total", Help: "Escalations from one model to the next.",
		}, []string{"from_model", "to_model"}),
		JobsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_exhausted_total", Help: "Jobs that exhausted the escalation order.",
		}),
		WindowRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "window_remaining", Help: "Remaining capacity in the active time window.",
		}, []string{"model", "dimension"}),
		ConcurrencyInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "concurrency_in_use", Help: "In-use concurrency permits per model.",
		}, []string{"model"}),
		MemoryInUseKB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_in_use_kb", Help: "Process-wide memory pool usage in KB.",
		}),
		JobTypeRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobtype_ratio", Help: "Current capacity-share ratio per job type.",
		}, []string{"jobtype"}),
		JobTypeInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobtype_inflight", Help: "In-flight jobs per job type.",
		}, []string{"jobtype"}),
		PoolTotalSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_total_slots", Help: "Per-model total slots for this instance.",
		}, []string{"model"}),
		AdjustmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratio_adjustments_total", Help: "Ratio adjustment cycles run.",
		}),
		ReservationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reservation_wait_ms", Help: "Time spent parked in the capacity wait queue.",
			Buckets: defaultBuckets,
		}),
	}

	registry.MustRegister(
		c.ReservationsTotal, c.OverageTotal, c.DelegationsTotal, c.JobsExhausted,
		c.WindowRemaining, c.ConcurrencyInUse, c.MemoryInUseKB, c.JobTypeRatio,
		c.JobTypeInFlight, c.PoolTotalSlots, c.AdjustmentsTotal, c.ReservationLatency,
	)

	active = c
	return c
}

// Active returns the currently initialized collector set, or nil if Init
// has not been called. All call sites must nil-check, since metrics are
// optional.
func Active() *Collectors {
	return active
}

// Handler returns an http.Handler serving this collector set's registry in
// the Prometheus text exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
