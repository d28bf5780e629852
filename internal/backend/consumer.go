package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/mirra/internal/ingest"
	"procodus.dev/mirra/pkg/metrics"
	"procodus.dev/mirra/pkg/mq"
)

// consumeRetryInterval is how often Start retries while the AMQP client is still connecting.
const consumeRetryInterval = time.Second

// Submitter accepts raw telemetry for ingestion.
type Submitter interface {
	Submit(ctx context.Context, topic string, payload []byte) error
}

// Consumer bridges telemetry delivered through RabbitMQ's MQTT plugin into the ingestion
// queue. Routing keys are translated back into MQTT topics.
type Consumer struct {
	logger    *slog.Logger
	submitter Submitter
	mqClient  mq.ClientInterface
	metrics   *metrics.BackendMetrics
	mqMetrics *metrics.MQMetrics
	queueName string
	cancel    context.CancelFunc
	done      chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger    *slog.Logger
	Submitter Submitter
	Client    mq.ClientInterface
	Metrics   *metrics.BackendMetrics // optional
	MQMetrics *metrics.MQMetrics      // optional
	QueueName string
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Submitter == nil {
		return nil, errors.New("submitter cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	return &Consumer{
		logger:    cfg.Logger.With("source", "amqp"),
		submitter: cfg.Submitter,
		mqClient:  cfg.Client,
		metrics:   cfg.Metrics,
		mqMetrics: cfg.MQMetrics,
		queueName: cfg.QueueName,
		done:      make(chan struct{}),
	}, nil
}

// Start begins consuming deliveries. It waits for the AMQP client to become ready until
// ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	var deliveries <-chan amqp.Delivery
	operation := func() error {
		var err error
		deliveries, err = c.mqClient.Consume()
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("mq client not ready", "error", err, "retry_in", next)
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(consumeRetryInterval), ctx)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")
	if c.metrics != nil {
		c.metrics.ActiveConsumers.Inc()
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go c.processMessages(ctx, deliveries)

	return nil
}

// processMessages processes incoming messages from the deliveries channel.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	if c.metrics != nil {
		defer c.metrics.ActiveConsumers.Dec()
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// Acknowledger is the part of amqp.Delivery used to settle a message.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// handleDelivery hands one delivery to the ingestion queue.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if delivery.Redelivered && c.mqMetrics != nil {
		c.mqMetrics.Redeliveries.WithLabelValues(c.queueName).Inc()
	}
	c.HandleMessage(ctx, delivery.RoutingKey, delivery.Body, delivery)
}

// HandleMessage submits body under the topic encoded in routingKey and settles ack.
// Messages the ingestion queue refuses are requeued. Decoding happens later, so a
// malformed frame is acknowledged here and dropped by the coordinator.
func (c *Consumer) HandleMessage(ctx context.Context, routingKey string, body []byte, ack Acknowledger) {
	if c.mqMetrics != nil {
		timer := prometheus.NewTimer(c.mqMetrics.ConsumeDuration.WithLabelValues(c.queueName))
		defer timer.ObserveDuration()
	}

	topic := mq.RoutingKeyToTopic(routingKey)
	err := c.submitter.Submit(ctx, topic, body)
	if err != nil {
		reason := "rejected"
		if errors.Is(err, ingest.ErrQueueFull) {
			reason = "queue_full"
		} else if errors.Is(err, ingest.ErrStopped) {
			reason = "stopped"
		}

		c.logger.Warn("failed to submit message", "error", err, "topic", topic)
		c.countFailure(reason)

		if nackErr := ack.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := ack.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		return
	}

	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues("amqp", "accepted").Inc()
	}
	if c.mqMetrics != nil {
		c.mqMetrics.MessagesConsumed.WithLabelValues(c.queueName).Inc()
	}

	c.logger.Debug("message queued", "topic", topic, "size", len(body))
}

func (c *Consumer) countFailure(reason string) {
	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues("amqp", "rejected").Inc()
		c.metrics.ConsumerErrors.WithLabelValues("amqp", reason).Inc()
	}
	if c.mqMetrics != nil {
		c.mqMetrics.ConsumptionFailures.WithLabelValues(c.queueName, reason).Inc()
	}
}

// Stop closes the MQ client and waits for message processing to finish.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	c.logger.Info("consumer stopped")
	return nil
}
