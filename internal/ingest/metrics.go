package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	datumsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datumagg_ingest_datums_total",
		Help: "Total number of datums successfully stored by the ingest writer.",
	})

	parseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datumagg_ingest_parse_errors_total",
		Help: "Total number of messages that failed datum parsing.",
	})

	writeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datumagg_ingest_write_errors_total",
		Help: "Total number of datum store write failures.",
	})
)
