// Package metrics exposes the Prometheus instrumentation for the data
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SourceFetches counts datasource fetches by source name and outcome
	// (ok, empty, error).
	SourceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickd_source_fetches_total",
		Help: "Datasource fetches by source and outcome",
	}, []string{"source", "outcome"})

	// CacheOps counts bar-cache lookups by namespace and outcome.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickd_cache_ops_total",
		Help: "Bar cache operations by namespace (1m, resampled) and outcome (hit, miss)",
	}, []string{"namespace", "outcome"})

	// ActiveSubscriptions tracks live subscription registry entries.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickd_active_subscription_entries",
		Help: "Subscription registry entries with at least one subscriber",
	})

	// Subscribers tracks connected subscribers across all entries.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickd_subscribers",
		Help: "Connected subscribers across all subscription entries",
	})

	// BackfillChunks counts backfill chunks by outcome (ok, error).
	BackfillChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickd_backfill_chunks_total",
		Help: "Backfill chunks fetched by outcome",
	}, []string{"outcome"})

	// PollFailures counts consecutive-failure increments in poll loops.
	PollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickd_poll_failures_total",
		Help: "Poll loop failures across all subscription entries",
	})

	// DroppedSubscribers counts subscribers disconnected for being too
	// slow to drain the broadcast queue.
	DroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickd_dropped_subscribers_total",
		Help: "Subscribers dropped due to backpressure or send failure",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
