// Package mq provides a RabbitMQ client with automatic reconnection, used to bridge
// telemetry published through RabbitMQ's MQTT plugin into the ingestion pipeline.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/mirra/pkg/metrics"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff   = 100 * time.Millisecond
	maxBackoff       = 10 * time.Second
	maxRetryAttempts = 5
)

var (
	errNotConnected  = errors.New("not connected to a server")
	errAlreadyClosed = errors.New("already closed: not connected to the server")
	errShutdown      = errors.New("client is shutting down")
	errNotConfirmed  = errors.New("publish not acknowledged by server")
	errNoQueue       = errors.New("client has no queue to consume from")
)

// Config holds the configuration for the AMQP client.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.MQMetrics // optional
	URL     string
	// QueueName is declared and consumed from. A client without a queue only publishes.
	QueueName string
	// Exchange and BindingKey bind the queue to a topic exchange. When Exchange is
	// empty the queue is used directly through the default exchange.
	Exchange   string
	BindingKey string
	Durable    bool
}

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	metrics         *metrics.MQMetrics
	queueName       string
	exchange        string
	bindingKey      string
	durable         bool
	isReady         bool
}

// New creates a new client and starts connecting to the server in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("url cannot be empty")
	}

	if cfg.QueueName == "" && cfg.Exchange == "" {
		return nil, errors.New("queue name or exchange must be set")
	}

	client := &Client{
		m:          &sync.Mutex{},
		logger:     cfg.Logger.With("queue", cfg.QueueName),
		metrics:    cfg.Metrics,
		queueName:  cfg.QueueName,
		exchange:   cfg.Exchange,
		bindingKey: cfg.BindingKey,
		durable:    cfg.Durable,
		done:       make(chan bool),
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// QueueName returns the name of the consumed queue.
func (client *Client) QueueName() string {
	return client.queueName
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.logger.Info("attempting to connect")
		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("connected")
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a confirming channel, declares the queue and binds it to the exchange.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if client.queueName != "" {
		if err := client.declare(ch); err != nil {
			return err
		}
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.logger.Info("client init done", "exchange", client.exchange, "binding_key", client.bindingKey)

	return nil
}

// declare declares the client's queue and binds it to the exchange.
func (client *Client) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(
		client.queueName,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	); err != nil {
		return err
	}

	if client.exchange != "" {
		if err := ch.QueueBind(
			client.queueName,
			client.bindingKey,
			client.exchange,
			false, // No-wait
			nil,   // Arguments
		); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", client.exchange, err)
		}
	}
	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Push implements ClientInterface. It gives up after maxRetryAttempts failed attempts.
func (client *Client) Push(ctx context.Context, routingKey string, data []byte) error {
	var timer *prometheus.Timer
	if client.metrics != nil {
		timer = prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.target()))
		defer timer.ObserveDuration()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialBackoff
	eb.MaxInterval = maxBackoff
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, maxRetryAttempts), ctx)

	attempt := func() error {
		select {
		case <-client.done:
			return backoff.Permanent(errShutdown)
		default:
		}

		if err := client.UnsafePush(ctx, routingKey, data); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			client.countPushFailure("context_canceled")
			return backoff.Permanent(ctx.Err())
		case confirm := <-client.notifyConfirm:
			if !confirm.Ack {
				return errNotConfirmed
			}
			client.logger.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag, "routing_key", routingKey)
			return nil
		}
	}

	notify := func(err error, next time.Duration) {
		client.logger.Warn("push failed, retrying with backoff", "error", err, "backoff", next)
	}

	if err := backoff.RetryNotify(attempt, bo, notify); err != nil {
		if ctx.Err() == nil && !errors.Is(err, errShutdown) {
			client.countPushFailure("max_retries_exceeded")
			return fmt.Errorf("maximum retry attempts exceeded: %w", err)
		}
		return err
	}

	if client.metrics != nil {
		client.metrics.MessagesPushed.WithLabelValues(client.target()).Inc()
	}
	return nil
}

// UnsafePush implements ClientInterface. Messages go to the configured exchange, or to
// the client's own queue when no exchange is configured.
func (client *Client) UnsafePush(ctx context.Context, routingKey string, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if client.exchange == "" {
		routingKey = client.queueName
	}

	return ch.PublishWithContext(
		ctx,
		client.exchange, // Exchange
		routingKey,      // Routing key
		false,           // Mandatory
		false,           // Immediate
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Timestamp:   time.Now().UTC(),
			Body:        data,
		},
	)
}

// Consume implements ClientInterface.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	if client.queueName == "" {
		return nil, errNoQueue
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		16,    // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close implements ClientInterface.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if !client.isReady {
		select {
		case <-client.done:
		default:
			close(client.done)
		}
		return errAlreadyClosed
	}
	close(client.done)

	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}

	client.isReady = false
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return nil
}

// target is the exchange publishes go to, or the queue for the default exchange.
func (client *Client) target() string {
	if client.exchange != "" {
		return client.exchange
	}
	return client.queueName
}

func (client *Client) countPushFailure(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.target(), reason).Inc()
	}
}

// RoutingKeyToTopic converts an AMQP routing key produced by RabbitMQ's MQTT plugin back
// into the MQTT topic it was published on.
func RoutingKeyToTopic(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// TopicToRoutingKey converts an MQTT topic into the routing key RabbitMQ's MQTT plugin uses.
func TopicToRoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}
