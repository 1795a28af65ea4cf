package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics shared across node roles. Each role
// touches only its own subset; unused series stay at zero.
type Metrics struct {
	// Engine operation metrics
	AppendsTotal    prometheus.Counter
	AppendDuration  prometheus.Histogram
	ReadsTotal      *prometheus.CounterVec
	ReadDuration    prometheus.Histogram
	OpFailuresTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Sequencer metrics
	MetalogCutsTotal     prometheus.Counter
	MetalogEntriesDelta  prometheus.Histogram
	MetalogPosition      prometheus.Gauge
	ReplicatedPosition   prometheus.Gauge
	BlockedShardsCurrent prometheus.Gauge

	// Storage metrics
	ReplicatedEntriesTotal prometheus.Counter
	LiveEntriesCurrent     prometheus.Gauge
	PersistedPosition      prometheus.Gauge
	ReadAtTotal            *prometheus.CounterVec

	// Index metrics
	IndexQueriesTotal   *prometheus.CounterVec
	IndexIngestTotal    prometheus.Counter
	IndexHorizonCurrent prometheus.Gauge

	// Transport metrics
	MessagesSentTotal    *prometheus.CounterVec
	SendFailuresTotal    *prometheus.CounterVec
	MessagesDroppedTotal prometheus.Counter
}

// New creates and registers all metrics for a node on the default
// registry.
func New(role string, nodeID uint16) *Metrics {
	return NewWithRegistry(role, nodeID, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers all metrics on reg.
func NewWithRegistry(role string, nodeID uint16, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"role": role, "node_id": fmt.Sprintf("%d", nodeID)}
	factory := promauto.With(reg)

	return &Metrics{
		AppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "engine",
			Name:        "appends_total",
			Help:        "Total number of append operations acknowledged",
			ConstLabels: labels,
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "funclog",
			Subsystem:   "engine",
			Name:        "append_duration_seconds",
			Help:        "Histogram of append latency from worker request to APPEND_OK",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "engine",
			Name:        "reads_total",
			Help:        "Total number of read operations by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		ReadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "funclog",
			Subsystem:   "engine",
			Name:        "read_duration_seconds",
			Help:        "Histogram of read latency",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		OpFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "engine",
			Name:        "op_failures_total",
			Help:        "Total number of failed operations by result type",
			ConstLabels: labels,
		}, []string{"result"}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of log cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of log cache misses",
			ConstLabels: labels,
		}),

		MetalogCutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "sequencer",
			Name:        "metalog_cuts_total",
			Help:        "Total number of NEW_LOGS metalog entries produced",
			ConstLabels: labels,
		}),
		MetalogEntriesDelta: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "funclog",
			Subsystem:   "sequencer",
			Name:        "metalog_cut_delta",
			Help:        "Histogram of entries admitted per metalog cut",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),
		MetalogPosition: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "funclog",
			Subsystem:   "sequencer",
			Name:        "metalog_position",
			Help:        "Current metalog position of the primary",
			ConstLabels: labels,
		}),
		ReplicatedPosition: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "funclog",
			Subsystem:   "sequencer",
			Name:        "replicated_metalog_position",
			Help:        "Median metalog position across replicas",
			ConstLabels: labels,
		}),
		BlockedShardsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "funclog",
			Subsystem:   "sequencer",
			Name:        "blocked_shards",
			Help:        "Number of currently blocked storage shards",
			ConstLabels: labels,
		}),

		ReplicatedEntriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "storage",
			Name:        "replicated_entries_total",
			Help:        "Total number of log entries received for replication",
			ConstLabels: labels,
		}),
		LiveEntriesCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "funclog",
			Subsystem:   "storage",
			Name:        "live_entries",
			Help:        "Number of sequenced entries held in memory",
			ConstLabels: labels,
		}),
		PersistedPosition: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "funclog",
			Subsystem:   "storage",
			Name:        "persisted_seqnum_position",
			Help:        "Watermark below which entries are durable in the cold store",
			ConstLabels: labels,
		}),
		ReadAtTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "storage",
			Name:        "read_at_total",
			Help:        "Total number of point reads by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		IndexQueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "index",
			Name:        "queries_total",
			Help:        "Total number of index seek queries by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		IndexIngestTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "index",
			Name:        "ingested_packages_total",
			Help:        "Total number of index data packages applied",
			ConstLabels: labels,
		}),
		IndexHorizonCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "funclog",
			Subsystem:   "index",
			Name:        "metalog_horizon",
			Help:        "Highest metalog position fully applied by the index",
			ConstLabels: labels,
		}),

		MessagesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "transport",
			Name:        "messages_sent_total",
			Help:        "Total messages sent by connection type",
			ConstLabels: labels,
		}, []string{"conn_type"}),
		SendFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "transport",
			Name:        "send_failures_total",
			Help:        "Total send failures by connection type",
			ConstLabels: labels,
		}, []string{"conn_type"}),
		MessagesDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "funclog",
			Subsystem:   "transport",
			Name:        "messages_dropped_total",
			Help:        "Messages dropped after exhausting send retries",
			ConstLabels: labels,
		}),
	}
}
