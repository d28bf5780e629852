// Package ingest turns telemetry messages into stored measurements.
//
// Transport callbacks hand messages to Coordinator.Submit, which queues them for a pool
// of workers so slow storage never stalls the transport. Each worker resolves the node,
// decodes the payload and stores every reading on its own. Failures drop the message or
// the single reading and are logged and counted; nothing is retried.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/mirra/internal/identity"
	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
)

// Defaults for Config.
const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 1024
	DefaultEnqueueTimeout = 5 * time.Second
)

var (
	// ErrUnknownSensor marks a reading whose sensor id is not in the catalog.
	ErrUnknownSensor = errors.New("unknown sensor")
	// ErrQueueFull is returned by Submit when the queue stays full for the enqueue timeout.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("coordinator stopped")
)

// NodeResolver maps a node address reported through a gateway to its node module.
type NodeResolver interface {
	ResolveNode(ctx context.Context, node, gateway macaddr.Address) (*store.Module, error)
}

// SensorCatalog looks up sensors by wire id. It returns nil for unknown ids.
type SensorCatalog interface {
	Sensor(ctx context.Context, id uint8) (*store.Sensor, error)
}

// MeasurementStore persists measurements. Insert returns store.ErrDuplicateMeasurement
// for an existing key.
type MeasurementStore interface {
	Insert(ctx context.Context, m *store.Measurement) error
}

// Config holds the configuration for the Coordinator.
type Config struct {
	Logger         *slog.Logger
	Resolver       NodeResolver
	Catalog        SensorCatalog
	Measurements   MeasurementStore
	Sink           Sink                   // optional
	Metrics        *metrics.IngestMetrics // optional
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
}

// Result summarizes the readings of one processed message.
type Result struct {
	// Dropped holds one error per dropped reading, wrapping ErrUnknownSensor or
	// store.ErrDuplicateMeasurement.
	Dropped        []error
	Stored         int
	Duplicates     int
	UnknownSensors int
}

type job struct {
	received time.Time
	topic    string
	payload  []byte
}

// Coordinator runs the ingestion pipeline.
type Coordinator struct {
	logger         *slog.Logger
	resolver       NodeResolver
	catalog        SensorCatalog
	measurements   MeasurementStore
	sink           Sink
	metrics        *metrics.IngestMetrics
	queue          chan job
	workers        int
	enqueueTimeout time.Duration
	wg             sync.WaitGroup
	mu             sync.RWMutex
	started        bool
	stopped        bool
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}

	if cfg.Catalog == nil {
		return nil, errors.New("catalog cannot be nil")
	}

	if cfg.Measurements == nil {
		return nil, errors.New("measurement store cannot be nil")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	enqueueTimeout := cfg.EnqueueTimeout
	if enqueueTimeout <= 0 {
		enqueueTimeout = DefaultEnqueueTimeout
	}

	return &Coordinator{
		logger:         cfg.Logger,
		resolver:       cfg.Resolver,
		catalog:        cfg.Catalog,
		measurements:   cfg.Measurements,
		sink:           cfg.Sink,
		metrics:        cfg.Metrics,
		queue:          make(chan job, queueSize),
		workers:        workers,
		enqueueTimeout: enqueueTimeout,
	}, nil
}

// Submit queues a message for processing. It waits up to the enqueue timeout for room in
// the queue and drops the message with ErrQueueFull after that.
func (c *Coordinator) Submit(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stopped {
		return ErrStopped
	}

	j := job{
		received: time.Now(),
		topic:    topic,
		payload:  append([]byte(nil), payload...),
	}

	select {
	case c.queue <- j:
	default:
		timer := time.NewTimer(c.enqueueTimeout)
		defer timer.Stop()

		select {
		case c.queue <- j:
		case <-timer.C:
			c.countMessage("queue_full")
			c.logger.Warn("dropping message, ingest queue full",
				"topic", topic,
				"queue_size", cap(c.queue),
			)
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.updateQueueDepth()
	return nil
}

// Start launches the workers. Processing uses a context detached from ctx's cancellation
// so queued messages are still stored while Stop drains the queue.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("coordinator already started")
	}
	c.started = true

	procCtx := context.WithoutCancel(ctx)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(procCtx, i)
	}

	if c.metrics != nil {
		c.metrics.ActiveWorkers.Set(float64(c.workers))
	}

	c.logger.Info("ingest coordinator started",
		"workers", c.workers,
		"queue_size", cap(c.queue),
	)
	return nil
}

// Stop rejects new messages, waits for the workers to drain the queue and returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.queue)
	c.mu.Unlock()

	c.wg.Wait()

	if c.metrics != nil {
		c.metrics.ActiveWorkers.Set(0)
	}
	c.logger.Info("ingest coordinator stopped")
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for j := range c.queue {
		c.updateQueueDepth()
		c.handle(ctx, id, j)
	}
}

func (c *Coordinator) handle(ctx context.Context, worker int, j job) {
	var timer *prometheus.Timer
	if c.metrics != nil {
		timer = prometheus.NewTimer(c.metrics.ProcessingDuration)
	}

	res, err := c.Process(ctx, j.topic, j.payload)

	if timer != nil {
		timer.ObserveDuration()
	}

	if err != nil {
		outcome := classify(err)
		c.countMessage(outcome)
		attrs := []any{
			"topic", j.topic,
			"worker", worker,
			"outcome", outcome,
			"stored", res.Stored,
			"error", err,
		}
		if outcome == "storage_error" {
			c.logger.Error("failed to process message", attrs...)
		} else {
			c.logger.Warn("dropping message", attrs...)
		}
		return
	}

	c.countMessage("processed")
	c.logger.Debug("message processed",
		"topic", j.topic,
		"worker", worker,
		"stored", res.Stored,
		"duplicates", res.Duplicates,
		"unknown_sensors", res.UnknownSensors,
		"latency", time.Since(j.received),
	)
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTopic), errors.Is(err, macaddr.ErrInvalidAddress):
		return "invalid_topic"
	case errors.Is(err, identity.ErrUnknownGateway):
		return "unknown_gateway"
	case errors.Is(err, wire.ErrMalformedPayload):
		return "malformed"
	default:
		return "storage_error"
	}
}

// Process runs the pipeline for one message synchronously.
//
// Message level failures (bad topic, malformed payload, unknown gateway, storage errors)
// are returned as errors. Unknown sensors and duplicates only drop the affected reading
// and are reported in the Result.
func (c *Coordinator) Process(ctx context.Context, topic string, payload []byte) (Result, error) {
	var res Result

	gatewayAddr, nodeAddr, err := ParseTopic(topic)
	if err != nil {
		return res, err
	}

	msg, err := wire.Decode(payload)
	if err != nil {
		return res, err
	}

	if msg.Source != nodeAddr {
		c.logger.Warn("payload source differs from topic node, using topic",
			"topic", topic,
			"payload_source", msg.Source.String(),
		)
	}

	if len(msg.Readings) == 0 {
		return res, nil
	}

	node, err := c.resolver.ResolveNode(ctx, nodeAddr, gatewayAddr)
	if err != nil {
		return res, err
	}

	for _, r := range msg.Readings {
		sensor, err := c.catalog.Sensor(ctx, r.SensorID)
		if err != nil {
			c.countReading("storage_error")
			return res, fmt.Errorf("failed to look up sensor: %w", err)
		}
		if sensor == nil {
			res.UnknownSensors++
			res.Dropped = append(res.Dropped, fmt.Errorf("%w: id %d instance %d", ErrUnknownSensor, r.SensorID, r.Instance))
			c.countReading("unknown_sensor")
			c.logger.Debug("dropping reading of unknown sensor",
				"topic", topic,
				"sensor_id", r.SensorID,
				"instance", r.Instance,
			)
			continue
		}

		m := &store.Measurement{
			Timestamp: int64(msg.Timestamp),
			NodeID:    node.ID,
			SensorID:  sensor.ID,
			Value:     float64(r.Value),
		}

		err = c.insert(ctx, m)
		if errors.Is(err, store.ErrDuplicateMeasurement) {
			res.Duplicates++
			res.Dropped = append(res.Dropped, err)
			c.countReading("duplicate")
			c.logger.Debug("dropping duplicate reading",
				"topic", topic,
				"sensor_id", r.SensorID,
				"instance", r.Instance,
				"timestamp", msg.Timestamp,
			)
			continue
		}
		if err != nil {
			c.countReading("storage_error")
			return res, err
		}

		res.Stored++
		c.countReading("stored")

		if c.sink != nil {
			c.mirror(ctx, gatewayAddr, nodeAddr, sensor, r, m)
		}
	}

	return res, nil
}

func (c *Coordinator) insert(ctx context.Context, m *store.Measurement) error {
	if c.metrics == nil {
		return c.measurements.Insert(ctx, m)
	}

	timer := prometheus.NewTimer(c.metrics.DBDuration.WithLabelValues("insert", "measurements"))
	err := c.measurements.Insert(ctx, m)
	timer.ObserveDuration()

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.DBOperationTotal.WithLabelValues("insert", "measurements", status).Inc()
	return err
}

func (c *Coordinator) mirror(ctx context.Context, gw, node macaddr.Address, sensor *store.Sensor, r wire.Reading, m *store.Measurement) {
	err := c.sink.Write(ctx, Point{
		Timestamp:  m.Time(),
		GatewayMAC: gw.String(),
		NodeMAC:    node.String(),
		SensorName: sensor.Name,
		SensorUnit: sensor.Unit,
		SensorID:   r.SensorID,
		Instance:   r.Instance,
		Value:      m.Value,
	})
	if err != nil {
		c.logger.Warn("failed to mirror reading", "node_mac", node.String(), "error", err)
	}
}

func (c *Coordinator) countMessage(outcome string) {
	if c.metrics != nil {
		c.metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Coordinator) countReading(outcome string) {
	if c.metrics != nil {
		c.metrics.ReadingsTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Coordinator) updateQueueDepth() {
	if c.metrics != nil {
		c.metrics.QueueDepth.Set(float64(len(c.queue)))
	}
}
