package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics contains Prometheus metrics for the gateway simulator.
type ProducerMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	EncodeDuration    prometheus.Histogram
	ActiveGateways    prometheus.Gauge
	NodesSimulated    prometheus.Counter
	ReadingsGenerated *prometheus.CounterVec
}

// NewProducerMetrics creates and registers gateway simulator metrics.
func NewProducerMetrics(namespace string) *ProducerMetrics {
	m := &ProducerMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "messages_published_total",
				Help:      "Total number of simulated telemetry frames published",
			},
			[]string{"transport"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publish_failures_total",
				Help:      "Total number of simulated frames that could not be published",
			},
			[]string{"transport"},
		),
		EncodeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "encode_duration_seconds",
				Help:      "Duration of frame generation and encoding",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
		),
		ActiveGateways: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "active_gateways",
				Help:      "Number of simulated gateways currently running",
			},
		),
		NodesSimulated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "nodes_simulated_total",
				Help:      "Total number of simulated sensor nodes",
			},
		),
		ReadingsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "readings_generated_total",
				Help:      "Total number of sensor readings generated",
			},
			[]string{"sensor_id"},
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.EncodeDuration,
		m.ActiveGateways,
		m.NodesSimulated,
		m.ReadingsGenerated,
	)

	return m
}
