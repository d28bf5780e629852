package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
	"procodus.dev/mirra/pkg/mq"
	"procodus.dev/mirra/pkg/mqtt"
)

// Transports a ServerConfig can publish over.
const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"
)

// ServerConfig holds the configuration for the simulator Server.
type ServerConfig struct {
	Logger *slog.Logger

	Transport string
	// BrokerURL is the MQTT broker for TransportMQTT, the AMQP URL for TransportAMQP.
	BrokerURL string
	Username  string
	Password  string
	// Exchange the AMQP transport publishes to. Defaults to amq.topic.
	Exchange string
	Prefix   string

	// Gateways pins the simulated gateway addresses. ProducerCount random gateways are
	// simulated when empty.
	Gateways        []macaddr.Address
	ProducerCount   int
	NodesPerGateway int
	Interval        time.Duration

	MetricsEnabled bool
}

// Server runs a fleet of simulated gateways over one broker connection.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	publisher Publisher
	closer    func() error
	metrics   *metrics.ProducerMetrics
}

// NewServer creates a new simulator Server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Transport != TransportMQTT && cfg.Transport != TransportAMQP {
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}

	if len(cfg.Gateways) == 0 && cfg.ProducerCount <= 0 {
		return nil, errors.New("producer count must be positive")
	}

	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run connects to the broker, starts one producer per gateway and blocks until a
// shutdown signal or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting generator server", "transport", s.config.Transport)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.config.MetricsEnabled {
		s.metrics = metrics.NewProducerMetrics(metrics.Namespace)
	}

	if err := s.connect(ctx); err != nil {
		return err
	}

	producers, err := s.producers()
	if err != nil {
		_ = s.closer()
		return err
	}

	var wg sync.WaitGroup
	for _, p := range producers {
		s.logger.Info("simulating gateway", "gateway_mac", p.Gateway().String(), "nodes", len(p.Nodes()))
		if s.metrics != nil {
			s.metrics.ActiveGateways.Inc()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx, s.config.Interval)
			if s.metrics != nil {
				s.metrics.ActiveGateways.Dec()
			}
		}()
	}

	s.logger.Info("generator server started successfully", "gateways", len(producers))

	<-ctx.Done()
	s.logger.Info("shutdown requested")

	wg.Wait()
	return s.Shutdown()
}

func (s *Server) connect(ctx context.Context) error {
	switch s.config.Transport {
	case TransportAMQP:
		exchange := s.config.Exchange
		if exchange == "" {
			exchange = "amq.topic"
		}
		client, err := mq.New(&mq.Config{
			Logger:   s.logger,
			URL:      s.config.BrokerURL,
			Exchange: exchange,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize mq client: %w", err)
		}
		s.publisher = AMQPPublisher{Client: client}
		s.closer = client.Close

	default:
		client, err := mqtt.New(&mqtt.Config{
			Logger:    s.logger,
			BrokerURL: s.config.BrokerURL,
			ClientID:  fmt.Sprintf("mirra_generator_%d", os.Getpid()),
			Username:  s.config.Username,
			Password:  s.config.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize mqtt client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
		s.publisher = MQTTPublisher{Client: client}
		s.closer = client.Close
	}

	return nil
}

func (s *Server) producers() ([]*Producer, error) {
	gateways := s.config.Gateways
	if len(gateways) == 0 {
		gateways = make([]macaddr.Address, s.config.ProducerCount)
	}

	out := make([]*Producer, 0, len(gateways))
	for _, gw := range gateways {
		p, err := NewProducer(&Config{
			Logger:    s.logger,
			Publisher: s.publisher,
			Metrics:   s.metrics,
			Gateway:   gw,
			Prefix:    s.config.Prefix,
			Transport: s.config.Transport,
			Nodes:     s.config.NodesPerGateway,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create producer: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Shutdown closes the broker connection.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down generator server")

	if s.closer != nil {
		if err := s.closer(); err != nil {
			return fmt.Errorf("failed to close broker connection: %w", err)
		}
	}

	s.logger.Info("generator server stopped")
	return nil
}
