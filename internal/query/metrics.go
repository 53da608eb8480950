package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Definition
var (
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datumagg_query_duration_seconds",
			Help:    "Latency of aggregation engine operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	queryRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datumagg_query_result_rows_total",
			Help: "Total result rows returned by engine operations.",
		},
		[]string{"operation"},
	)
	staleMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "datumagg_stale_buckets_marked_total",
			Help: "Total aggregate buckets marked for recomputation.",
		},
	)
)
