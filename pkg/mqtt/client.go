// Package mqtt wraps the Eclipse Paho client with fixed-interval reconnects,
// subscription restore and metrics.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/mirra/pkg/metrics"
)

const (
	// DefaultRetryInterval is the fixed delay between connection attempts.
	DefaultRetryInterval = 2 * time.Second

	disconnectQuiesce = 250 // milliseconds
)

var errClosed = errors.New("mqtt client is closed")

// Config holds the configuration for the MQTT client.
type Config struct {
	Logger        *slog.Logger
	TLSConfig     *tls.Config          // optional
	Metrics       *metrics.MQTTMetrics // optional
	BrokerURL     string
	ClientID      string
	Username      string
	Password      string
	RetryInterval time.Duration
}

type subscription struct {
	handler MessageHandler
	qos     byte
}

// Client is an MQTT client that reconnects at a fixed interval and re-establishes its
// subscriptions after every reconnect.
type Client struct {
	logger        *slog.Logger
	client        paho.Client
	metrics       *metrics.MQTTMetrics
	subscriptions map[string]subscription
	brokerURL     string
	retryInterval time.Duration
	mu            sync.Mutex
	closed        bool
}

// New creates a new Client. No connection is made until Connect is called.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.BrokerURL == "" {
		return nil, errors.New("broker url cannot be empty")
	}

	if cfg.ClientID == "" {
		return nil, errors.New("client id cannot be empty")
	}

	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}

	c := &Client{
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		subscriptions: make(map[string]subscription),
		brokerURL:     cfg.BrokerURL,
		retryInterval: retry,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(retry).
		SetConnectRetryInterval(retry).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}

	c.client = paho.NewClient(opts)
	return c, nil
}

// Connect implements ClientInterface. It retries refused connections every retry
// interval without limit until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	attempt := func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return backoff.Permanent(errClosed)
		}

		token := c.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}

		err := token.Error()
		c.countAttempt(err)
		return err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("mqtt connection refused, retrying",
			"broker", c.brokerURL,
			"retry_in", next,
			"error", err,
		)
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(c.retryInterval), ctx)
	if err := backoff.RetryNotify(attempt, bo, notify); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", c.brokerURL, err)
	}
	return nil
}

// Subscribe implements ClientInterface.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	c.mu.Lock()
	c.subscriptions[topic] = subscription{handler: handler, qos: qos}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		// onConnect subscribes once the connection is up
		return nil
	}
	return c.subscribe(topic, qos, handler)
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		if c.metrics != nil {
			c.metrics.MessagesReceived.WithLabelValues(topic).Inc()
		}
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("subscribed", "topic", topic, "qos", qos)
	return nil
}

// Publish implements ClientInterface.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	var timer *prometheus.Timer
	if c.metrics != nil {
		timer = prometheus.NewTimer(c.metrics.PublishDuration)
		defer timer.ObserveDuration()
	}

	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.countPublish("canceled")
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		c.countPublish("error")
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.countPublish("success")
	return nil
}

// IsConnected implements ClientInterface.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close implements ClientInterface.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesce)
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
	c.logger.Info("mqtt client disconnected", "broker", c.brokerURL)
	return nil
}

func (c *Client) onConnect(_ paho.Client) {
	c.logger.Info("mqtt connected", "broker", c.brokerURL)
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(1)
	}

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, s := range c.subscriptions {
		subs[topic] = s
	}
	c.mu.Unlock()

	// paho calls this handler on its own goroutine, so waiting on tokens is safe here
	for topic, s := range subs {
		if err := c.subscribe(topic, s.qos, s.handler); err != nil {
			c.logger.Error("failed to restore subscription", "topic", topic, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("mqtt connection lost", "broker", c.brokerURL, "error", err)
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
		c.metrics.ConnectionLost.Inc()
	}
}

func (c *Client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	c.logger.Info("mqtt reconnecting", "broker", c.brokerURL)
	if c.metrics != nil {
		c.metrics.ConnectAttempts.WithLabelValues("reconnect").Inc()
	}
}

func (c *Client) countAttempt(err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.ConnectAttempts.WithLabelValues(status).Inc()
}

func (c *Client) countPublish(status string) {
	if c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues(status).Inc()
	}
}
