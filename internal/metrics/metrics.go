// Package metrics holds every Prometheus collector shared across the core's
// worker processes, registered once on the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DBQueryDuration measures how long upsert-layer queries take.
// The 'operation' label distinguishes bulk vs. slow-path writes.
var DBQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ingest_query_duration_seconds",
		Help:    "Duration of catalogue writes in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"operation"},
)

// APICallDuration measures the rate-limited client's round trips.
var APICallDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "remote_api_call_duration_seconds",
		Help:    "Duration of remote API calls in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	},
	[]string{"endpoint", "status"},
)

// LeasePopDuration measures the broker's atomic lease-pop script.
var LeasePopDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "broker_lease_pop_duration_seconds",
		Help:    "Duration of the atomic lease-pop script",
		Buckets: prometheus.DefBuckets,
	},
)

// QueueDepth tracks SCARD of each named broker set, refreshed by whichever
// worker last observed it through broker.SCard (the feeder and fetcher poll
// depths as part of their own loops; the parser and reaper do not).
var QueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "broker_queue_depth",
		Help: "Observed cardinality of a broker set",
	},
	[]string{"queue"},
)

// TasksRequeued counts leases the reaper returned to the import queue.
var TasksRequeued = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "reaper_tasks_requeued_total",
		Help: "Total number of leases requeued after expiry",
	},
)

// RecordsIngested counts rows committed by the ingest layer, by kind and path.
var RecordsIngested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingest_records_total",
		Help: "Total catalogue rows committed",
	},
	[]string{"kind", "path"}, // path = bulk|slow
)
