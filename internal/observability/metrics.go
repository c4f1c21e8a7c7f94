// Package observability exposes the pipeline's own operational metrics in
// Prometheus format. These describe the pipeline process itself, not the
// telemetry it derives; those aggregates live in the metrics store.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blueplane_events_ingested_total",
		Help: "Trace records committed to the durable log",
	})

	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blueplane_events_deduplicated_total",
		Help: "Raw events skipped because their event_id was already ingested",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blueplane_events_dropped_total",
		Help: "Malformed queue entries acknowledged without ingestion",
	})

	SequenceAssigned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blueplane_sequence_assigned",
		Help: "Highest global sequence assigned by the fast path",
	})

	WorkerProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blueplane_worker_processed_total",
		Help: "CDC entries processed per worker",
	}, []string{"worker"})

	WorkerSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blueplane_worker_skipped_total",
		Help: "CDC entries skipped as already applied or malformed, per worker",
	}, []string{"worker"})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blueplane_worker_restarts_total",
		Help: "Worker restarts after a failure exit",
	}, []string{"worker"})

	WorkerLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blueplane_worker_lag",
		Help: "Distance between the log head and a worker's highest applied sequence",
	}, []string{"worker"})

	SessionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blueplane_sessions_timed_out_total",
		Help: "Sessions ended by the idle sweeper",
	})
)
