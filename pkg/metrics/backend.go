package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the backend's query service and
// transport consumers. Storage and pipeline metrics live in IngestMetrics.
type BackendMetrics struct {
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	GRPCRequestsInFlight  *prometheus.GaugeVec
	ConsumerMessagesTotal *prometheus.CounterVec
	ConsumerErrors        *prometheus.CounterVec
	ActiveConsumers       prometheus.Gauge
}

// NewBackendMetrics creates and registers backend service metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	m := &BackendMetrics{
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Query service requests by method and gRPC status code",
			},
			[]string{"method", "code"}, // code: OK, NotFound, InvalidArgument, ...
		),
		GRPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		GRPCRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_in_flight",
				Help:      "Number of gRPC requests currently being processed",
			},
			[]string{"method"},
		),
		ConsumerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of transport messages handed to the ingestion queue",
			},
			[]string{"source", "status"}, // source: mqtt, amqp; status: accepted, rejected
		),
		ConsumerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "errors_total",
				Help:      "Total number of consumer errors",
			},
			[]string{"source", "error_type"},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "active_consumers",
				Help:      "Number of active transport consumers",
			},
		),
	}

	MustRegister(
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.GRPCRequestsInFlight,
		m.ConsumerMessagesTotal,
		m.ConsumerErrors,
		m.ActiveConsumers,
	)

	return m
}
