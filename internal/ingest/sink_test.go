package ingest_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker"

	"procodus.dev/mirra/internal/ingest"
)

type fakeWriter struct {
	Error  error
	points []*write.Point
	mu     sync.Mutex
}

func (w *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Error != nil {
		return w.Error
	}
	w.points = append(w.points, points...)
	return nil
}

var _ = Describe("InfluxSink", func() {
	var (
		ctx    context.Context
		writer *fakeWriter
		point  ingest.Point
	)

	BeforeEach(func() {
		ctx = context.Background()
		writer = &fakeWriter{}
		point = ingest.Point{
			Timestamp:  time.Unix(1700000000, 0).UTC(),
			GatewayMAC: "AA:AA:AA:AA:AA:01",
			NodeMAC:    "BB:BB:BB:BB:BB:01",
			SensorName: "air temperature",
			SensorUnit: "°C",
			SensorID:   12,
			Value:      19.5,
		}
	})

	It("should require connection settings", func() {
		_, err := ingest.NewInfluxSink(&ingest.InfluxConfig{Logger: testLogger()})
		Expect(err).To(HaveOccurred())
	})

	It("should write points tagged with the module addresses", func() {
		s, err := ingest.NewInfluxSinkWithWriter(&ingest.InfluxConfig{Logger: testLogger(), Measurement: "mirra"}, writer)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Write(ctx, point)).To(Succeed())
		Expect(writer.points).To(HaveLen(1))

		p := writer.points[0]
		Expect(p.Name()).To(Equal("mirra"))
		tags := map[string]string{}
		for _, t := range p.TagList() {
			tags[t.Key] = t.Value
		}
		Expect(tags).To(HaveKeyWithValue("gateway_mac", "AA:AA:AA:AA:AA:01"))
		Expect(tags).To(HaveKeyWithValue("sensor_id", "12"))
		Expect(p.Time()).To(Equal(point.Timestamp))
	})

	It("should open the circuit after consecutive failures", func() {
		writer.Error = errors.New("connection refused")
		s, err := ingest.NewInfluxSinkWithWriter(&ingest.InfluxConfig{
			Logger:          testLogger(),
			BreakerFailures: 2,
			BreakerTimeout:  time.Minute,
		}, writer)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Write(ctx, point)).To(MatchError(ContainSubstring("connection refused")))
		Expect(s.Write(ctx, point)).To(MatchError(ContainSubstring("connection refused")))
		Expect(s.State()).To(Equal(gobreaker.StateOpen))

		Expect(s.Write(ctx, point)).To(MatchError(gobreaker.ErrOpenState))
	})
})
