package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains Prometheus metrics for the MQTT client.
type MQTTMetrics struct {
	ConnectionStatus  prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec
	ConnectionLost    prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	PublishDuration   prometheus.Histogram
}

// NewMQTTMetrics creates and registers MQTT client metrics.
func NewMQTTMetrics(namespace string) *MQTTMetrics {
	m := &MQTTMetrics{
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connect_attempts_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"status"},
		),
		ConnectionLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connection_lost_total",
				Help:      "Total number of lost connections",
			},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "messages_received_total",
				Help:      "Total number of messages received",
			},
			[]string{"subscription"},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "messages_published_total",
				Help:      "Total number of messages published",
			},
			[]string{"status"},
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publish_duration_seconds",
				Help:      "Duration of publish operations",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.ConnectionStatus,
		m.ConnectAttempts,
		m.ConnectionLost,
		m.MessagesReceived,
		m.MessagesPublished,
		m.PublishDuration,
	)

	return m
}
