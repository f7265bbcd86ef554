// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every pipeline metric. One instance is shared across
// workers; all collectors are safe for concurrent use.
type Collector struct {
	EventsConsumed  *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	BatchesClosed   *prometheus.CounterVec
	BatchRecords    prometheus.Histogram
	WriteLatency    prometheus.Histogram
	WriteBytes      prometheus.Counter
	WriteRetries    prometheus.Counter
	DeadLetters     *prometheus.CounterVec
	SchemaEvolved   prometheus.Counter
	BreakerState    prometheus.Gauge
	CheckpointAge   prometheus.Gauge
	Commits         prometheus.Counter
	CommitFailures  prometheus.Counter
}

// NewCollector registers all metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lakesink_events_consumed_total",
			Help: "Change events read from the source stream, by partition.",
		}, []string{"partition"}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lakesink_events_processed_total",
			Help: "Change events normalized and batched, by table and operation.",
		}, []string{"table", "operation"}),
		BatchesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lakesink_batches_closed_total",
			Help: "Batches sealed for writing, by trigger (size, time, drain).",
		}, []string{"trigger"}),
		BatchRecords: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lakesink_batch_records",
			Help:    "Records per sealed batch.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 9),
		}),
		WriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lakesink_write_duration_seconds",
			Help:    "End-to-end batch write latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		WriteBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_write_bytes_total",
			Help: "Compressed bytes written to the destination.",
		}),
		WriteRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_write_retries_total",
			Help: "Transient write attempts beyond the first.",
		}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lakesink_dead_letters_total",
			Help: "Events routed to the dead-letter sink, by reason.",
		}, []string{"reason"}),
		SchemaEvolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_schema_evolutions_total",
			Help: "Accepted schema version increments.",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lakesink_circuit_breaker_state",
			Help: "Destination breaker state: 0 closed, 1 open, 2 half-open.",
		}),
		CheckpointAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lakesink_checkpoint_age_seconds",
			Help: "Seconds since the last successful checkpoint commit.",
		}),
		Commits: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_checkpoint_commits_total",
			Help: "Successful checkpoint commits.",
		}),
		CommitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_checkpoint_failures_total",
			Help: "Failed checkpoint commits.",
		}),
	}

	// Pre-register reason labels so dashboards see zeros, not gaps.
	for _, reason := range deadLetterReasons {
		c.DeadLetters.WithLabelValues(reason)
	}
	return c
}

var deadLetterReasons = []string{
	"malformed_event",
	"oversized_event",
	"type_incompatible",
	"schema_conflict",
	"destination_unavailable",
	"stale_event",
}

// NewDefaultCollector registers on the process-global registry.
func NewDefaultCollector() *Collector {
	return NewCollector(prometheus.DefaultRegisterer)
}
