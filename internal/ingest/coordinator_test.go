package ingest_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"procodus.dev/mirra/internal/identity"
	"procodus.dev/mirra/internal/ingest"
	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/macaddr"
)

var _ = Describe("Coordinator", func() {
	var (
		ctx          context.Context
		db           *gorm.DB
		resolver     *identity.Resolver
		catalog      *store.Catalog
		measurements *store.Measurements
		sink         *recordingSink

		gwAddr   = macaddr.MustParse("AA:AA:AA:AA:AA:01")
		nodeAddr = macaddr.MustParse("BB:BB:BB:BB:BB:01")
		topic    = ingest.Topic("mirra", gwAddr, nodeAddr)
	)

	payload := func(ts uint32, readings ...wire.Reading) []byte {
		return wire.Encode(wire.Message{Source: nodeAddr, Timestamp: ts, Readings: readings})
	}

	newCoordinator := func(mutate func(*ingest.Config)) *ingest.Coordinator {
		cfg := &ingest.Config{
			Logger:       testLogger(),
			Resolver:     resolver,
			Catalog:      catalog,
			Measurements: measurements,
			Sink:         sink,
		}
		if mutate != nil {
			mutate(cfg)
		}
		c, err := ingest.NewCoordinator(cfg)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	stored := func() []store.Measurement {
		var out []store.Measurement
		Expect(db.Order("timestamp, sensor_id").Find(&out).Error).To(Succeed())
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB()
		sink = &recordingSink{}

		var err error
		resolver, err = identity.NewResolver(&identity.Config{
			Logger:      testLogger(),
			DB:          db,
			Credentials: nopCredentials{},
		})
		Expect(err).NotTo(HaveOccurred())
		catalog, err = store.NewCatalog(db)
		Expect(err).NotTo(HaveOccurred())
		measurements, err = store.NewMeasurements(db)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewCoordinator", func() {
		It("should return error when config is nil", func() {
			_, err := ingest.NewCoordinator(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should validate required collaborators", func() {
			_, err := ingest.NewCoordinator(&ingest.Config{Logger: testLogger()})
			Expect(err).To(MatchError(ContainSubstring("resolver cannot be nil")))

			_, err = ingest.NewCoordinator(&ingest.Config{Logger: testLogger(), Resolver: resolver})
			Expect(err).To(MatchError(ContainSubstring("catalog cannot be nil")))

			_, err = ingest.NewCoordinator(&ingest.Config{Logger: testLogger(), Resolver: resolver, Catalog: catalog})
			Expect(err).To(MatchError(ContainSubstring("measurement store cannot be nil")))
		})
	})

	Describe("Process", func() {
		var c *ingest.Coordinator

		BeforeEach(func() {
			c = newCoordinator(nil)
		})

		Context("with a provisioned gateway", func() {
			BeforeEach(func() {
				_, err := resolver.AddGateway(ctx, gwAddr, "psk")
				Expect(err).NotTo(HaveOccurred())
			})

			It("should keep only the first of two same-sensor readings", func() {
				res, err := c.Process(ctx, topic, payload(1700000000,
					wire.Reading{SensorID: 3, Value: 21.5},
					wire.Reading{SensorID: 3, Value: 21.6},
				))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Stored).To(Equal(1))
				Expect(res.Duplicates).To(Equal(1))
				Expect(res.Dropped).To(HaveLen(1))
				Expect(res.Dropped[0]).To(MatchError(store.ErrDuplicateMeasurement))

				rows := stored()
				Expect(rows).To(HaveLen(1))
				Expect(rows[0].Timestamp).To(Equal(int64(1700000000)))
				Expect(rows[0].SensorID).To(Equal(uint(3)))
				Expect(rows[0].Value).To(Equal(21.5))
			})

			It("should drop unknown sensors and keep the rest of the message", func() {
				res, err := c.Process(ctx, topic, payload(100,
					wire.Reading{SensorID: 12, Value: 20},
					wire.Reading{SensorID: 250, Value: 1},
					wire.Reading{SensorID: 13, Value: 55},
				))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Stored).To(Equal(2))
				Expect(res.UnknownSensors).To(Equal(1))
				Expect(res.Dropped[0]).To(MatchError(ingest.ErrUnknownSensor))
				Expect(stored()).To(HaveLen(2))
			})

			It("should create the node on its first message", func() {
				_, err := c.Process(ctx, topic, payload(100, wire.Reading{SensorID: 1, Value: 3.7}))
				Expect(err).NotTo(HaveOccurred())

				node, err := resolver.CurrentNode(ctx, nodeAddr)
				Expect(err).NotTo(HaveOccurred())
				Expect(node).NotTo(BeNil())
				Expect(stored()[0].NodeID).To(Equal(node.ID))
			})

			It("should reject malformed payloads before touching storage", func() {
				bad := append(payload(100, wire.Reading{SensorID: 1, Value: 1}), 0xFF)
				_, err := c.Process(ctx, topic, bad)
				Expect(err).To(MatchError(wire.ErrMalformedPayload))

				node, err := resolver.CurrentModule(ctx, nodeAddr)
				Expect(err).NotTo(HaveOccurred())
				Expect(node).To(BeNil())
			})

			It("should accept a header-only payload", func() {
				res, err := c.Process(ctx, topic, payload(100))
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(ingest.Result{}))
			})

			It("should trust the topic over the payload source", func() {
				other := macaddr.MustParse("CC:CC:CC:CC:CC:01")
				msg := wire.Encode(wire.Message{
					Source:    other,
					Timestamp: 100,
					Readings:  []wire.Reading{{SensorID: 22, Value: 300}},
				})

				_, err := c.Process(ctx, topic, msg)
				Expect(err).NotTo(HaveOccurred())

				m, err := resolver.CurrentModule(ctx, other)
				Expect(err).NotTo(HaveOccurred())
				Expect(m).To(BeNil())
			})

			It("should mirror stored readings to the sink", func() {
				_, err := c.Process(ctx, topic, payload(1700000000,
					wire.Reading{SensorID: 12, Value: 19.5},
					wire.Reading{SensorID: 12, Value: 19.75},
				))
				Expect(err).NotTo(HaveOccurred())

				points := sink.Points()
				Expect(points).To(HaveLen(1))
				Expect(points[0].GatewayMAC).To(Equal(gwAddr.String()))
				Expect(points[0].NodeMAC).To(Equal(nodeAddr.String()))
				Expect(points[0].SensorName).To(Equal("air temperature"))
				Expect(points[0].Timestamp).To(Equal(time.Unix(1700000000, 0).UTC()))
			})

			It("should store readings even when the sink fails", func() {
				sink.Error = errors.New("influx down")
				res, err := c.Process(ctx, topic, payload(1, wire.Reading{SensorID: 1, Value: 3.3}))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Stored).To(Equal(1))
			})
		})

		It("should drop messages from unknown gateways", func() {
			_, err := c.Process(ctx, topic, payload(1, wire.Reading{SensorID: 1, Value: 3.3}))
			Expect(err).To(MatchError(identity.ErrUnknownGateway))
			Expect(stored()).To(BeEmpty())
		})

		It("should reject invalid topics", func() {
			_, err := c.Process(ctx, "mirra/only-one", payload(1))
			Expect(err).To(MatchError(ingest.ErrInvalidTopic))
		})
	})

	Describe("queueing", func() {
		BeforeEach(func() {
			_, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should process every submitted message before Stop returns", func() {
			c := newCoordinator(func(cfg *ingest.Config) { cfg.Workers = 2 })
			Expect(c.Start(ctx)).To(Succeed())

			for ts := uint32(1); ts <= 25; ts++ {
				Expect(c.Submit(ctx, topic, payload(ts, wire.Reading{SensorID: 12, Value: float32(ts)}))).To(Succeed())
			}
			c.Stop()

			Expect(stored()).To(HaveLen(25))
		})

		It("should drop messages when the queue stays full", func() {
			c := newCoordinator(func(cfg *ingest.Config) {
				cfg.QueueSize = 1
				cfg.EnqueueTimeout = 20 * time.Millisecond
			})

			Expect(c.Submit(ctx, topic, payload(1))).To(Succeed())
			Expect(c.Submit(ctx, topic, payload(2))).To(MatchError(ingest.ErrQueueFull))
		})

		It("should stop waiting when the caller gives up", func() {
			c := newCoordinator(func(cfg *ingest.Config) {
				cfg.QueueSize = 1
				cfg.EnqueueTimeout = time.Minute
			})
			Expect(c.Submit(ctx, topic, payload(1))).To(Succeed())

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			Expect(c.Submit(cancelled, topic, payload(2))).To(MatchError(context.Canceled))
		})

		It("should reject messages after Stop", func() {
			c := newCoordinator(nil)
			Expect(c.Start(ctx)).To(Succeed())
			c.Stop()

			Expect(c.Submit(ctx, topic, payload(1))).To(MatchError(ingest.ErrStopped))
			Expect(c.Start(ctx)).To(MatchError(ingest.ErrStopped))
		})

		It("should refuse to start twice", func() {
			c := newCoordinator(nil)
			Expect(c.Start(ctx)).To(Succeed())
			DeferCleanup(c.Stop)
			Expect(c.Start(ctx)).To(HaveOccurred())
		})

		It("should copy payloads on submit", func() {
			c := newCoordinator(nil)
			buf := payload(7, wire.Reading{SensorID: 12, Value: 1})
			Expect(c.Submit(ctx, topic, buf)).To(Succeed())
			for i := range buf {
				buf[i] = 0
			}

			Expect(c.Start(ctx)).To(Succeed())
			c.Stop()
			Expect(stored()).To(HaveLen(1))
		})
	})
})
