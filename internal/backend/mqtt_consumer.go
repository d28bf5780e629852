package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/mirra/pkg/metrics"
	"procodus.dev/mirra/pkg/mqtt"
)

// DefaultSubscription is the topic filter covering every gateway and node.
const DefaultSubscription = "mirra/#"

// MQTTConsumer subscribes to gateway telemetry on the broker and feeds it to the
// ingestion queue.
type MQTTConsumer struct {
	logger       *slog.Logger
	submitter    Submitter
	client       mqtt.ClientInterface
	metrics      *metrics.BackendMetrics
	ctx          context.Context
	cancel       context.CancelFunc
	subscription string
	qos          byte
	started      bool
}

// MQTTConsumerConfig holds the configuration for the MQTTConsumer.
type MQTTConsumerConfig struct {
	Logger       *slog.Logger
	Submitter    Submitter
	Client       mqtt.ClientInterface
	Metrics      *metrics.BackendMetrics // optional
	Subscription string                  // defaults to DefaultSubscription
	QoS          byte
}

// NewMQTTConsumer creates a new MQTTConsumer instance.
func NewMQTTConsumer(cfg *MQTTConsumerConfig) (*MQTTConsumer, error) {
	if cfg == nil {
		return nil, errors.New("mqtt consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Submitter == nil {
		return nil, errors.New("submitter cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}

	subscription := cfg.Subscription
	if subscription == "" {
		subscription = DefaultSubscription
	}

	return &MQTTConsumer{
		logger:       cfg.Logger.With("source", "mqtt"),
		submitter:    cfg.Submitter,
		client:       cfg.Client,
		metrics:      cfg.Metrics,
		subscription: subscription,
		qos:          cfg.QoS,
	}, nil
}

// Start connects to the broker and subscribes. It blocks until the broker accepts the
// connection or ctx ends.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting mqtt consumer", "subscription", c.subscription)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.client.Connect(c.ctx); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	if err := c.client.Subscribe(c.subscription, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subscription, err)
	}

	c.started = true
	if c.metrics != nil {
		c.metrics.ActiveConsumers.Inc()
	}

	c.logger.Info("mqtt consumer started, waiting for messages")
	return nil
}

// handleMessage runs on the MQTT client's delivery goroutine. A full queue blocks it for
// up to the coordinator's enqueue timeout, which back-pressures the broker connection.
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) {
	if err := c.submitter.Submit(c.ctx, topic, payload); err != nil {
		c.logger.Warn("failed to submit message", "error", err, "topic", topic)
		if c.metrics != nil {
			c.metrics.ConsumerMessagesTotal.WithLabelValues("mqtt", "rejected").Inc()
			c.metrics.ConsumerErrors.WithLabelValues("mqtt", "submit").Inc()
		}
		return
	}

	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues("mqtt", "accepted").Inc()
	}
}

// Stop disconnects from the broker.
func (c *MQTTConsumer) Stop() error {
	c.logger.Info("stopping mqtt consumer")

	if c.cancel != nil {
		c.cancel()
	}
	if c.started && c.metrics != nil {
		c.metrics.ActiveConsumers.Dec()
	}
	c.started = false

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close mqtt client: %w", err)
	}

	c.logger.Info("mqtt consumer stopped")
	return nil
}
