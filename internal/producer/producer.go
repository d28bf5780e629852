// Package producer simulates MIRRA gateways publishing sensor frames on behalf of their
// nodes.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/mirra/internal/ingest"
	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/generator"
	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
	"procodus.dev/mirra/pkg/mq"
	"procodus.dev/mirra/pkg/mqtt"
)

// DefaultPrefix is the topic namespace gateways publish under.
const DefaultPrefix = "mirra"

// Publisher delivers one encoded frame to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTPublisher publishes frames directly to the MQTT broker with QoS 1.
type MQTTPublisher struct {
	Client mqtt.ClientInterface
}

// Publish implements Publisher.
func (p MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.Client.Publish(ctx, topic, 1, false, payload)
}

// AMQPPublisher publishes frames to a RabbitMQ topic exchange using the routing key the
// MQTT plugin would derive from topic.
type AMQPPublisher struct {
	Client mq.ClientInterface
}

// Publish implements Publisher.
func (p AMQPPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.Client.Push(ctx, mq.TopicToRoutingKey(topic), payload)
}

// Node is a simulated sensor node attached to a gateway.
type Node struct {
	generator *generator.NodeGenerator
	Gateway   macaddr.Address
	Address   macaddr.Address
}

// Config holds the configuration for a Producer.
type Config struct {
	Logger    *slog.Logger
	Publisher Publisher
	Metrics   *metrics.ProducerMetrics // optional
	// Gateway is the simulated gateway address. A random address is used when zero.
	Gateway   macaddr.Address
	Prefix    string
	Transport string // metrics label
	// Nodes attached to the gateway. A random count from 1 to 5 is used when zero.
	Nodes int
}

// Producer simulates one gateway and the nodes behind it.
type Producer struct {
	logger    *slog.Logger
	publisher Publisher
	metrics   *metrics.ProducerMetrics
	prefix    string
	transport string
	nodes     []*Node
	gateway   macaddr.Address
}

// NewProducer creates a simulated gateway with its nodes.
// Note: Uses math/rand for node selection which is acceptable for simulation data.
func NewProducer(cfg *Config) (*Producer, error) {
	if cfg == nil {
		return nil, errors.New("producer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	gateway := cfg.Gateway
	if gateway == (macaddr.Address{}) {
		var err error
		if gateway, err = generator.NewAddress(); err != nil {
			return nil, err
		}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	transport := cfg.Transport
	if transport == "" {
		transport = "mqtt"
	}

	count := cfg.Nodes
	if count <= 0 {
		count = rand.Intn(5) + 1 // #nosec G404 - weak random is acceptable for test data generation
	}

	nodes := make([]*Node, 0, count)
	for range count {
		addr, err := generator.NewAddress()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, &Node{
			generator: generator.NewNodeGenerator(rand.Intn(3)), // #nosec G404
			Gateway:   gateway,
			Address:   addr,
		})
	}

	if cfg.Metrics != nil {
		cfg.Metrics.NodesSimulated.Add(float64(count))
	}

	return &Producer{
		logger:    cfg.Logger.With("gateway_mac", gateway.String()),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		prefix:    prefix,
		transport: transport,
		nodes:     nodes,
		gateway:   gateway,
	}, nil
}

// Gateway returns the simulated gateway address.
func (p *Producer) Gateway() macaddr.Address {
	return p.gateway
}

// Nodes returns the simulated nodes.
func (p *Producer) Nodes() []*Node {
	return p.nodes
}

// RandomDataPoint publishes one frame from a random node.
func (p *Producer) RandomDataPoint(ctx context.Context) error {
	node := p.nodes[rand.Intn(len(p.nodes))] // #nosec G404 - weak random is acceptable for simulation
	return p.Publish(ctx, node, time.Now())
}

// Publish generates the frame node would send at t and publishes it.
func (p *Producer) Publish(ctx context.Context, node *Node, t time.Time) error {
	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.EncodeDuration)
	}

	frame := node.generator.Frame(node.Address, t)
	payload := wire.Encode(frame)

	if timer != nil {
		timer.ObserveDuration()
	}

	topic := ingest.Topic(p.prefix, node.Gateway, node.Address)
	if err := p.publisher.Publish(ctx, topic, payload); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(p.transport).Inc()
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	if p.metrics != nil {
		p.metrics.MessagesPublished.WithLabelValues(p.transport).Inc()
		for _, r := range frame.Readings {
			p.metrics.ReadingsGenerated.WithLabelValues(strconv.Itoa(int(r.SensorID))).Inc()
		}
	}

	p.logger.Debug("frame published", "topic", topic, "readings", len(frame.Readings))
	return nil
}

// Run publishes a frame from a random node every interval until ctx ends.
func (p *Producer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RandomDataPoint(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to publish frame", "error", err)
			}
		}
	}
}
