// Package metrics exposes drain pass outcomes as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/CharlySistemas23/possync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DrainPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "possync_drain_passes_total",
			Help: "Total number of completed drain passes.",
		},
	)

	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "possync_entries_total",
			Help: "Total number of processed queue entries by outcome.",
		},
		[]string{"outcome"}, // succeeded, failed, dropped, stale, derived
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "possync_failures_total",
			Help: "Total number of entry failures by kind.",
		},
		[]string{"kind"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "possync_rate_limited_total",
			Help: "Total number of passes paused by server rate limiting.",
		},
	)

	AbortedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "possync_drain_aborted_total",
			Help: "Total number of passes aborted for lack of a sync identity.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "possync_queue_depth",
			Help: "Entries remaining in the queue after the last pass.",
		},
	)

	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "possync_drain_duration_seconds",
			Help:    "Duration of drain passes.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(DrainPassesTotal, EntriesTotal, FailuresTotal, RateLimitedTotal, AbortedTotal, QueueDepth, DrainDuration)
}

// Observe records a drain report. It is shaped to be passed to
// possync.WithReportHook.
func Observe(r possync.Report) {
	QueueDepth.Set(float64(r.Remaining))
	if r.Aborted {
		AbortedTotal.Inc()
		return
	}
	DrainPassesTotal.Inc()
	EntriesTotal.WithLabelValues("succeeded").Add(float64(r.Succeeded))
	EntriesTotal.WithLabelValues("failed").Add(float64(r.Failed))
	EntriesTotal.WithLabelValues("dropped").Add(float64(r.Dropped))
	EntriesTotal.WithLabelValues("stale").Add(float64(r.Stale))
	EntriesTotal.WithLabelValues("derived").Add(float64(r.Derived))
	for _, f := range r.Failures {
		FailuresTotal.WithLabelValues(f.Kind.String()).Inc()
	}
	if r.RateLimited {
		RateLimitedTotal.Inc()
	}
	DrainDuration.Observe(r.Duration.Seconds())
}

// Handler serves the metrics gathered by reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
