// Package observability holds the service's Prometheus instrumentation.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's collectors on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// DispatchOutcomes counts dispatch results by outcome (sent, failed,
	// refused) and trigger (manual, scheduler).
	DispatchOutcomes *prometheus.CounterVec

	// TickDuration observes how long each scheduler tick takes.
	TickDuration prometheus.Histogram

	// TickDue observes how many due records each tick picked up.
	TickDue prometheus.Histogram

	// StaleClaimsSwept counts sending-state records the sweeper forced to
	// failed.
	StaleClaimsSwept prometheus.Counter

	// HTTPRequestDuration observes request latency by method, route pattern
	// and status code.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the service collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uplift",
			Subsystem: "notify",
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch results by outcome and trigger.",
		}, []string{"outcome", "trigger"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "uplift",
			Subsystem: "notify",
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of scheduler ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		TickDue: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "uplift",
			Subsystem: "notify",
			Name:      "scheduler_tick_due_records",
			Help:      "Due records picked up per scheduler tick.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		StaleClaimsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uplift",
			Subsystem: "notify",
			Name:      "stale_claims_swept_total",
			Help:      "Stale sending-state records forced to failed.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uplift",
			Subsystem: "notify",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.DispatchOutcomes, m.TickDuration, m.TickDue, m.StaleClaimsSwept, m.HTTPRequestDuration)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
