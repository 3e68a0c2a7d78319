// Package metrics exposes Prometheus instrumentation for the replication
// engine, following the same promauto-registered-struct idiom the rest of
// the stack uses for its service metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the oplog, replicator, and
// coordinator report through.
type Metrics struct {
	ReplicateEventsTotal         prometheus.Counter
	ReplicateProgressEventsTotal prometheus.Counter
	ReplicatedBatchesTotal       prometheus.Counter
	ReplicatedEntriesTotal       prometheus.Counter

	FetchRetriesTotal  prometheus.Counter
	FetchFailuresTotal prometheus.Counter
	FetchDuration      prometheus.Histogram

	MergeDuration prometheus.Histogram

	ReplicationInfoMax      prometheus.Gauge
	ReplicationInfoProgress prometheus.Gauge

	OplogLength prometheus.Gauge
	OplogHeads  prometheus.Gauge

	WorkerPoolActiveWorkers prometheus.Gauge
	WorkerPoolQueuedTasks   prometheus.Gauge
}

// New creates and registers the metrics for one database address against
// a dedicated registry (rather than prometheus.DefaultRegisterer), so
// opening multiple databases with the same address in-process — common in
// tests — never collides on duplicate registration.
func New(address string) *Metrics {
	labels := prometheus.Labels{"address": address}
	factory := promauto.With(prometheus.NewRegistry())

	return &Metrics{
		ReplicateEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "replicate_events_total",
			Help:        "Total number of replicate events emitted.",
			ConstLabels: labels,
		}),
		ReplicateProgressEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "replicate_progress_events_total",
			Help:        "Total number of replicate.progress events emitted.",
			ConstLabels: labels,
		}),
		ReplicatedBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "replicated_batches_total",
			Help:        "Total number of replicated batch events emitted.",
			ConstLabels: labels,
		}),
		ReplicatedEntriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "replicated_entries_total",
			Help:        "Total number of entries merged across all replicated batches.",
			ConstLabels: labels,
		}),
		FetchRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "fetch_retries_total",
			Help:        "Total number of object store fetch retries.",
			ConstLabels: labels,
		}),
		FetchFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "fetch_failures_total",
			Help:        "Total number of terminal object store fetch failures.",
			ConstLabels: labels,
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "fetch_duration_seconds",
			Help:        "Latency of individual object store fetches.",
			ConstLabels: labels,
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "peerdb",
			Subsystem:   "oplog",
			Name:        "merge_duration_seconds",
			Help:        "Latency of oplog merge batches.",
			ConstLabels: labels,
		}),
		ReplicationInfoMax: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicationinfo",
			Name:        "max",
			Help:        "Highest clock.time observed across known heads.",
			ConstLabels: labels,
		}),
		ReplicationInfoProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicationinfo",
			Name:        "progress",
			Help:        "Entries merged during the current replication session.",
			ConstLabels: labels,
		}),
		OplogLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peerdb",
			Subsystem:   "oplog",
			Name:        "length",
			Help:        "Number of entries currently in the oplog.",
			ConstLabels: labels,
		}),
		OplogHeads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peerdb",
			Subsystem:   "oplog",
			Name:        "heads",
			Help:        "Number of current heads in the oplog.",
			ConstLabels: labels,
		}),
		WorkerPoolActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "worker_pool_active_workers",
			Help:        "Number of fetch/validate workers currently executing a task.",
			ConstLabels: labels,
		}),
		WorkerPoolQueuedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peerdb",
			Subsystem:   "replicator",
			Name:        "worker_pool_queued_tasks",
			Help:        "Number of fetch/validate tasks waiting for a free worker.",
			ConstLabels: labels,
		}),
	}
}
