package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the AMQP client and the bridge consumer.
// Publish metrics are labeled by target: the exchange, or the queue when publishing
// through the default exchange.
type MQMetrics struct {
	MessagesPushed      *prometheus.CounterVec
	PushFailures        *prometheus.CounterVec
	PushDuration        *prometheus.HistogramVec
	ReconnectAttempts   prometheus.Counter
	ConnectionStatus    prometheus.Gauge
	MessagesConsumed    *prometheus.CounterVec
	Redeliveries        *prometheus.CounterVec
	ConsumptionFailures *prometheus.CounterVec
	ConsumeDuration     *prometheus.HistogramVec
}

const amqpSubsystem = "amqp"

func amqpCounter(namespace, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: amqpSubsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func amqpHistogram(namespace, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: amqpSubsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

// NewMQMetrics creates and registers AMQP metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPushed: amqpCounter(namespace, "messages_pushed_total",
			"Publishes confirmed by the broker", "target"),
		PushFailures: amqpCounter(namespace, "push_failures_total",
			"Publishes that failed, by reason", "target", "reason"),
		PushDuration: amqpHistogram(namespace, "push_duration_seconds",
			"Time from publish to broker confirmation, retries included", "target"),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: amqpSubsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts after the first",
		}),
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: amqpSubsystem,
			Name:      "connection_status",
			Help:      "1 while a channel to the broker is open, 0 otherwise",
		}),
		MessagesConsumed: amqpCounter(namespace, "messages_consumed_total",
			"Deliveries handed to ingestion and acknowledged", "queue"),
		Redeliveries: amqpCounter(namespace, "redeliveries_total",
			"Deliveries the broker marked as redelivered", "queue"),
		ConsumptionFailures: amqpCounter(namespace, "consumption_failures_total",
			"Deliveries requeued because ingestion refused them", "queue", "reason"),
		ConsumeDuration: amqpHistogram(namespace, "consume_duration_seconds",
			"Time to submit and settle one delivery", "queue"),
	}

	MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.PushDuration,
		m.ReconnectAttempts,
		m.ConnectionStatus,
		m.MessagesConsumed,
		m.Redeliveries,
		m.ConsumptionFailures,
		m.ConsumeDuration,
	)

	return m
}
