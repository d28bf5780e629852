package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"procodus.dev/mirra/pkg/metrics"
)

// Point is a stored reading forwarded to a Sink.
type Point struct {
	Timestamp  time.Time
	GatewayMAC string
	NodeMAC    string
	SensorName string
	SensorUnit string
	SensorID   uint8
	Instance   uint32
	Value      float64
}

// Sink receives a copy of every stored reading. Sink failures never affect storage.
type Sink interface {
	Write(ctx context.Context, p Point) error
}

// PointWriter is the subset of the InfluxDB blocking write API used by InfluxSink.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxConfig holds the configuration for the InfluxDB mirror.
type InfluxConfig struct {
	Logger      *slog.Logger
	Metrics     *metrics.IngestMetrics // optional
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// InfluxSink mirrors readings into an InfluxDB bucket behind a circuit breaker. While the
// breaker is open, writes fail immediately with gobreaker.ErrOpenState.
type InfluxSink struct {
	logger      *slog.Logger
	metrics     *metrics.IngestMetrics
	client      influxdb2.Client
	writer      PointWriter
	breaker     *gobreaker.CircuitBreaker
	measurement string
}

// NewInfluxSink connects to InfluxDB and returns a sink writing to cfg.Bucket.
func NewInfluxSink(cfg *InfluxConfig) (*InfluxSink, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, token, org and bucket are required")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s, err := NewInfluxSinkWithWriter(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket))
	if err != nil {
		client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewInfluxSinkWithWriter returns a sink writing through w. Connection fields of cfg are ignored.
func NewInfluxSinkWithWriter(cfg *InfluxConfig, w PointWriter) (*InfluxSink, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if w == nil {
		return nil, errors.New("point writer cannot be nil")
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "measurement"
	}

	logger := cfg.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influx-sink",
		Timeout: timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &InfluxSink{
		logger:      logger,
		metrics:     cfg.Metrics,
		writer:      w,
		breaker:     breaker,
		measurement: measurement,
	}, nil
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, p Point) error {
	point := influxdb2.NewPoint(s.measurement,
		map[string]string{
			"gateway_mac": p.GatewayMAC,
			"node_mac":    p.NodeMAC,
			"sensor":      p.SensorName,
			"sensor_id":   strconv.Itoa(int(p.SensorID)),
			"instance":    strconv.FormatUint(uint64(p.Instance), 10),
			"unit":        p.SensorUnit,
		},
		map[string]interface{}{
			"value": p.Value,
		},
		p.Timestamp,
	)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writer.WritePoint(ctx, point)
	})

	status := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "open_circuit"
	case err != nil:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.SinkWrites.WithLabelValues(status).Inc()
	}

	if err != nil {
		return fmt.Errorf("failed to mirror reading: %w", err)
	}
	return nil
}

// State reports the circuit breaker state.
func (s *InfluxSink) State() gobreaker.State {
	return s.breaker.State()
}

// Close releases the InfluxDB client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

var _ Sink = (*InfluxSink)(nil)
