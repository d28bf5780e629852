package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion pipeline.
type IngestMetrics struct {
	MessagesTotal      *prometheus.CounterVec
	ReadingsTotal      *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	ActiveWorkers      prometheus.Gauge
	ProcessingDuration prometheus.Histogram
	DBOperationTotal   *prometheus.CounterVec
	DBDuration         *prometheus.HistogramVec
	SinkWrites         *prometheus.CounterVec
	ModulesCreated     *prometheus.CounterVec
}

// NewIngestMetrics creates and registers ingestion metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Total number of telemetry messages by outcome",
			},
			// outcome: processed, invalid_topic, unknown_gateway, malformed, queue_full, storage_error
			[]string{"outcome"},
		),
		ReadingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of decoded readings by outcome",
			},
			[]string{"outcome"}, // outcome: stored, duplicate, unknown_sensor, storage_error
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "queue_depth",
				Help:      "Number of messages waiting for a worker",
			},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "active_workers",
				Help:      "Number of running ingestion workers",
			},
		),
		ProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of processing a single message",
				Buckets:   prometheus.DefBuckets,
			},
		),
		DBOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),
		DBDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		SinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "writes_total",
				Help:      "Total number of mirror sink writes",
			},
			[]string{"status"}, // status: success, error, open_circuit
		),
		ModulesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "modules_created_total",
				Help:      "Total number of gateway and node rows created",
			},
			[]string{"kind"},
		),
	}

	MustRegister(
		m.MessagesTotal,
		m.ReadingsTotal,
		m.QueueDepth,
		m.ActiveWorkers,
		m.ProcessingDuration,
		m.DBOperationTotal,
		m.DBDuration,
		m.SinkWrites,
		m.ModulesCreated,
	)

	return m
}
