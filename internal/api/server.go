// Package api serves the HTTP surface of the backend: gateway provisioning, module
// lookup and measurement export.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
)

// Provisioner issues and verifies gateway access codes.
type Provisioner interface {
	Issue(addr macaddr.Address) (string, error)
	Verify(ctx context.Context, addr macaddr.Address, code string) (string, error)
}

// Registry looks up and removes modules.
type Registry interface {
	CurrentModule(ctx context.Context, addr macaddr.Address) (*store.Module, error)
	RemoveGateway(ctx context.Context, addr macaddr.Address) error
}

// Exporter streams every stored measurement in a file format.
type Exporter interface {
	WriteCSV(ctx context.Context, w io.Writer) error
	WriteXLSX(ctx context.Context, w io.Writer) error
}

// Server is the HTTP API server.
type Server struct {
	logger      *slog.Logger
	provisioner Provisioner
	registry    Registry
	exporter    Exporter
	metrics     *metrics.APIMetrics
	now         func() time.Time
	httpServer  *http.Server
	handler     http.Handler
}

// Config holds the configuration for the Server.
type Config struct {
	Logger      *slog.Logger
	Provisioner Provisioner
	Registry    Registry
	Exporter    Exporter
	Metrics     *metrics.APIMetrics // optional
	// Now is the clock used for canonical export filenames. Defaults to time.Now.
	Now      func() time.Time
	HTTPPort int
}

// NewServer creates a new API Server instance.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Provisioner == nil {
		return nil, errors.New("provisioner cannot be nil")
	}

	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}

	if cfg.Exporter == nil {
		return nil, errors.New("exporter cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		logger:      cfg.Logger,
		provisioner: cfg.Provisioner,
		registry:    cfg.Registry,
		exporter:    cfg.Exporter,
		metrics:     cfg.Metrics,
		now:         now,
	}
	s.handler = s.instrument(s.setupRoutes())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // exports stream the whole table
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving in the background. The returned channel receives at most one
// error and is closed when the server stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	go func() {
		defer close(errCh)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Provisioning
	mux.HandleFunc("POST /gateway/add", s.handleGatewayAdd)
	mux.HandleFunc("GET /gateway/code", s.handleGatewayCode)
	mux.HandleFunc("DELETE /gateway/{mac}", s.handleGatewayDelete)

	mux.HandleFunc("GET /module/{mac}", s.handleModule)

	// Export
	mux.HandleFunc("GET /export/{format}", s.handleExportRedirect)
	mux.HandleFunc("GET /export/{format}/{filename}", s.handleExport)

	return mux
}
