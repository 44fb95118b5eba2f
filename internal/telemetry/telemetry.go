// Package telemetry registers the platform's Prometheus collectors. All
// metrics live in the "expflow" namespace and are registered once at init.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssignmentsServed counts assignment reads by where the answer came
	// from: "cache", "store", or "computed".
	AssignmentsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expflow",
		Name:      "assignments_served_total",
		Help:      "Assignment lookups by serving source.",
	}, []string{"source"})

	// AssignmentsCreated counts newly persisted assignments.
	AssignmentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expflow",
		Name:      "assignments_created_total",
		Help:      "Assignments newly persisted.",
	})

	// EventsIngested counts event intake outcomes ("ok", "invalid", "error").
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expflow",
		Name:      "events_ingested_total",
		Help:      "Events offered to the ingestor by outcome.",
	}, []string{"outcome"})

	// ConsumerMessages counts CDC records by disposition
	// ("projected", "skipped", "malformed", "quarantined").
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expflow",
		Subsystem: "projector",
		Name:      "messages_total",
		Help:      "CDC records consumed by disposition.",
	}, []string{"disposition"})

	// ConsumerFlushRows sizes projected-row flushes.
	ConsumerFlushRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "expflow",
		Subsystem: "projector",
		Name:      "flush_rows",
		Help:      "Rows per columnar flush.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	// ConsumerFlushSeconds times columnar flushes.
	ConsumerFlushSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "expflow",
		Subsystem: "projector",
		Name:      "flush_seconds",
		Help:      "Columnar flush latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// DLQRecords counts records shipped to the dead-letter sink.
	DLQRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expflow",
		Subsystem: "projector",
		Name:      "dlq_records_total",
		Help:      "Records quarantined to the dead-letter topic.",
	})

	// ResultsQueries counts results-engine queries by route
	// ("hot", "cold", "fused") and cache outcome ("hit", "miss").
	ResultsQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expflow",
		Subsystem: "results",
		Name:      "queries_total",
		Help:      "Results queries by store route and cache outcome.",
	}, []string{"route", "cache"})

	// MaintenanceRuns counts background maintenance iterations by job and
	// outcome.
	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expflow",
		Subsystem: "maintenance",
		Name:      "runs_total",
		Help:      "Maintenance job iterations by outcome.",
	}, []string{"job", "outcome"})

	// OutboxBacklog gauges outbox records ahead of the projector checkpoint.
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "expflow",
		Subsystem: "maintenance",
		Name:      "outbox_backlog",
		Help:      "Outbox records not yet consumed by the projector.",
	})

	// ProjectedRows gauges the columnar projected-event row count, including
	// not-yet-merged duplicates.
	ProjectedRows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "expflow",
		Subsystem: "maintenance",
		Name:      "projected_rows",
		Help:      "Rows in the columnar projected table.",
	})
)
