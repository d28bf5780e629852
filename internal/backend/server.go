// Package backend wires the telemetry pipeline into a running service: storage,
// broker credentials, provisioning, ingestion, and the HTTP and gRPC surfaces.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"gorm.io/gorm"

	"procodus.dev/mirra/internal/api"
	"procodus.dev/mirra/internal/credentials"
	"procodus.dev/mirra/internal/identity"
	"procodus.dev/mirra/internal/ingest"
	"procodus.dev/mirra/internal/provision"
	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/pkg/metrics"
	"procodus.dev/mirra/pkg/mq"
	"procodus.dev/mirra/pkg/mqtt"
	"procodus.dev/mirra/pkg/telemetry"
)

const (
	// DefaultClientID is the MQTT client id of the backend.
	DefaultClientID = "mirra_backend"

	shutdownTimeout = 10 * time.Second
)

// MQTTSettings configures the MQTT ingress.
type MQTTSettings struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	Subscription string
	Enabled      bool
}

// AMQPSettings configures the optional RabbitMQ ingress.
type AMQPSettings struct {
	URL        string
	QueueName  string
	Exchange   string
	BindingKey string
	Enabled    bool
}

// InfluxSettings configures the optional InfluxDB mirror. The mirror is off when URL is empty.
type InfluxSettings struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// BrokerSettings configures the managed broker process. No process is managed when
// Command is empty.
type BrokerSettings struct {
	Command string
	Args    []string
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger
	DB     *store.DBConfig

	MQTT   MQTTSettings
	AMQP   AMQPSettings
	Influx InfluxSettings
	Broker BrokerSettings

	// CredentialsPath is the PSK file read by the broker.
	CredentialsPath string
	AccessCodeTTL   time.Duration

	// Ingestion worker pool
	Workers   int
	QueueSize int

	HTTPPort int
	GRPCPort int

	MetricsEnabled bool
}

type serverMetrics struct {
	backend   *metrics.BackendMetrics
	ingest    *metrics.IngestMetrics
	provision *metrics.ProvisionMetrics
	mqtt      *metrics.MQTTMetrics
	mq        *metrics.MQMetrics
	api       *metrics.APIMetrics
}

// Server represents the backend service.
type Server struct {
	logger       *slog.Logger
	config       *ServerConfig
	metrics      serverMetrics
	db           *gorm.DB
	broker       *credentials.Broker
	coordinator  *ingest.Coordinator
	sink         *ingest.InfluxSink
	provisioner  *provision.Manager
	mqttConsumer *MQTTConsumer
	amqpConsumer *Consumer
	apiServer    *api.Server
	grpcServer   *grpc.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.CredentialsPath == "" {
		return nil, errors.New("credentials path cannot be empty")
	}

	if cfg.MQTT.Enabled && cfg.MQTT.BrokerURL == "" {
		return nil, errors.New("mqtt broker URL cannot be empty")
	}

	if cfg.AMQP.Enabled {
		if cfg.AMQP.URL == "" {
			return nil, errors.New("rabbitmq URL cannot be empty")
		}
		if cfg.AMQP.QueueName == "" {
			return nil, errors.New("queue name cannot be empty")
		}
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts every component and blocks until a shutdown signal, ctx cancellation or a
// server error, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.start(ctx); err != nil {
		s.logger.Error("backend server failed to start", "error", err)
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			return fmt.Errorf("%w; shutdown error: %w", err, shutdownErr)
		}
		return err
	}

	httpErr := s.apiServer.Start()
	grpcErr, err := s.serveGRPC()
	if err != nil {
		_ = s.Shutdown()
		return err
	}

	s.logger.Info("backend server started successfully")

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			_ = s.Shutdown()
			return err
		}
	case err := <-grpcErr:
		if err != nil {
			s.logger.Error("gRPC server error", "error", err)
			_ = s.Shutdown()
			return err
		}
	}

	return s.Shutdown()
}

// start builds the pipeline bottom-up.
func (s *Server) start(ctx context.Context) error {
	cfg := s.config

	if cfg.MetricsEnabled {
		s.metrics = serverMetrics{
			backend:   metrics.NewBackendMetrics(metrics.Namespace),
			ingest:    metrics.NewIngestMetrics(metrics.Namespace),
			provision: metrics.NewProvisionMetrics(metrics.Namespace),
			mqtt:      metrics.NewMQTTMetrics(metrics.Namespace),
			mq:        metrics.NewMQMetrics(metrics.Namespace),
			api:       metrics.NewAPIMetrics(metrics.Namespace),
		}
	}

	dbCfg := *cfg.DB
	dbCfg.Logger = s.logger
	db, err := store.NewDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if err := store.SeedCatalog(ctx, db, s.logger); err != nil {
		return fmt.Errorf("failed to seed sensor catalog: %w", err)
	}

	s.logger.Info("database initialized successfully")

	var reloader credentials.Reloader = credentials.NopReloader{}
	if cfg.Broker.Command != "" {
		broker, err := credentials.NewBroker(&credentials.BrokerConfig{
			Logger:  s.logger,
			Command: cfg.Broker.Command,
			Args:    cfg.Broker.Args,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize broker: %w", err)
		}
		s.broker = broker
		reloader = broker
	}

	creds, err := credentials.NewStore(&credentials.Config{
		Logger:   s.logger,
		Reloader: reloader,
		Metrics:  s.metrics.provision,
		Path:     cfg.CredentialsPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}
	if err := creds.EnsureFile(); err != nil {
		return fmt.Errorf("failed to prepare credential file: %w", err)
	}

	// The broker reads the credential file on start.
	if s.broker != nil {
		if err := s.broker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start broker: %w", err)
		}
	}

	resolver, err := identity.NewResolver(&identity.Config{
		Logger:      s.logger,
		DB:          db,
		Credentials: creds,
		Metrics:     s.metrics.ingest,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize identity resolver: %w", err)
	}

	catalog, err := store.NewCatalog(db)
	if err != nil {
		return fmt.Errorf("failed to initialize sensor catalog: %w", err)
	}

	measurements, err := store.NewMeasurements(db)
	if err != nil {
		return fmt.Errorf("failed to initialize measurement store: %w", err)
	}

	var sink ingest.Sink
	if cfg.Influx.URL != "" {
		s.sink, err = ingest.NewInfluxSink(&ingest.InfluxConfig{
			Logger:  s.logger,
			Metrics: s.metrics.ingest,
			URL:     cfg.Influx.URL,
			Token:   cfg.Influx.Token,
			Org:     cfg.Influx.Org,
			Bucket:  cfg.Influx.Bucket,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize influx sink: %w", err)
		}
		sink = s.sink
	}

	s.coordinator, err = ingest.NewCoordinator(&ingest.Config{
		Logger:       s.logger,
		Resolver:     resolver,
		Catalog:      catalog,
		Measurements: measurements,
		Sink:         sink,
		Metrics:      s.metrics.ingest,
		Workers:      cfg.Workers,
		QueueSize:    cfg.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	s.provisioner, err = provision.NewManager(&provision.Config{
		Logger:    s.logger,
		Committer: resolver,
		Metrics:   s.metrics.provision,
		TTL:       cfg.AccessCodeTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize provisioning: %w", err)
	}

	if cfg.MQTT.Enabled {
		if err := s.startMQTT(ctx); err != nil {
			return err
		}
	} else {
		s.logger.Warn("mqtt ingress disabled")
	}

	if cfg.AMQP.Enabled {
		if err := s.startAMQP(ctx); err != nil {
			return err
		}
	}

	s.apiServer, err = api.NewServer(&api.Config{
		Logger:      s.logger,
		Provisioner: s.provisioner,
		Registry:    resolver,
		Exporter:    measurements,
		Metrics:     s.metrics.api,
		HTTPPort:    cfg.HTTPPort,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}

	queryService, err := NewQueryService(s.logger, db, s.metrics.backend)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC service: %w", err)
	}
	s.grpcServer = grpc.NewServer()
	telemetry.RegisterQueryServer(s.grpcServer, queryService)

	return nil
}

func (s *Server) startMQTT(ctx context.Context) error {
	cfg := s.config.MQTT

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}

	client, err := mqtt.New(&mqtt.Config{
		Logger:    s.logger,
		Metrics:   s.metrics.mqtt,
		BrokerURL: cfg.BrokerURL,
		ClientID:  clientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt client: %w", err)
	}

	s.mqttConsumer, err = NewMQTTConsumer(&MQTTConsumerConfig{
		Logger:       s.logger,
		Submitter:    s.coordinator,
		Client:       client,
		Metrics:      s.metrics.backend,
		Subscription: cfg.Subscription,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt consumer: %w", err)
	}

	if err := s.mqttConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mqtt consumer: %w", err)
	}
	return nil
}

func (s *Server) startAMQP(ctx context.Context) error {
	cfg := s.config.AMQP

	client, err := mq.New(&mq.Config{
		Logger:     s.logger,
		Metrics:    s.metrics.mq,
		URL:        cfg.URL,
		QueueName:  cfg.QueueName,
		Exchange:   cfg.Exchange,
		BindingKey: cfg.BindingKey,
		Durable:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mq client: %w", err)
	}

	s.amqpConsumer, err = NewConsumer(&ConsumerConfig{
		Logger:    s.logger,
		Submitter: s.coordinator,
		Client:    client,
		Metrics:   s.metrics.backend,
		MQMetrics: s.metrics.mq,
		QueueName: cfg.QueueName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize amqp consumer: %w", err)
	}

	if err := s.amqpConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start amqp consumer: %w", err)
	}
	return nil
}

func (s *Server) serveGRPC() (<-chan error, error) {
	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)

	grpcErr := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			grpcErr <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(grpcErr)
	}()

	return grpcErr, nil
}

// Shutdown stops every started component in reverse order of startup. Errors are
// collected and returned together.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var shutdownErr error
	collect := func(what string, err error) {
		if err == nil {
			return
		}
		s.logger.Error("shutdown step failed", "component", what, "error", err)
		if shutdownErr != nil {
			shutdownErr = fmt.Errorf("%w; %s: %w", shutdownErr, what, err)
		} else {
			shutdownErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.grpcServer = nil
	}

	if s.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		collect("http server", s.apiServer.Shutdown(ctx))
		cancel()
		s.apiServer = nil
	}

	if s.mqttConsumer != nil {
		collect("mqtt consumer", s.mqttConsumer.Stop())
		s.mqttConsumer = nil
	}

	if s.amqpConsumer != nil {
		collect("amqp consumer", s.amqpConsumer.Stop())
		s.amqpConsumer = nil
	}

	// Drains queued messages before the database goes away.
	if s.coordinator != nil {
		s.coordinator.Stop()
		s.coordinator = nil
	}

	if s.provisioner != nil {
		s.provisioner.Close()
		s.provisioner = nil
	}

	if s.sink != nil {
		s.sink.Close()
		s.sink = nil
	}

	if s.broker != nil {
		collect("broker", s.broker.Stop())
		s.broker = nil
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		collect("database", store.CloseDB(s.db, s.logger))
		s.db = nil
	}

	if shutdownErr != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
