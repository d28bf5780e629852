package generator_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/generator"
	"procodus.dev/mirra/pkg/macaddr"
)

var _ = Describe("Generator", func() {
	noon := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2024, 6, 1, 0, 30, 0, 0, time.UTC)

	It("should generate distinct addresses", func() {
		a, err := generator.NewAddress()
		Expect(err).NotTo(HaveOccurred())
		b, err := generator.NewAddress()
		Expect(err).NotTo(HaveOccurred())
		Expect(a).NotTo(Equal(b))
	})

	It("should generate a site", func() {
		site, err := generator.NewSite()
		Expect(err).NotTo(HaveOccurred())
		Expect(site.Name).NotTo(BeEmpty())
		Expect(site.Latitude).To(BeNumerically(">=", -90))
		Expect(site.Latitude).To(BeNumerically("<=", 90))
	})

	Describe("NodeGenerator", func() {
		It("should keep humidity within bounds", func() {
			g := generator.NewNodeGenerator(0)
			for range 100 {
				h := g.Humidity(noon, g.AirTemperature(noon))
				Expect(h).To(BeNumerically(">=", 20))
				Expect(h).To(BeNumerically("<=", 100))
			}
		})

		It("should report darkness at night", func() {
			Expect(generator.NewNodeGenerator(0).Light(midnight)).To(BeZero())
		})

		It("should produce a frame that survives the wire format", func() {
			source := macaddr.MustParse("AA:BB:CC:DD:EE:FF")
			frame := generator.NewNodeGenerator(2).Frame(source, noon)

			Expect(frame.Source).To(Equal(source))
			Expect(frame.Timestamp).To(BeEquivalentTo(noon.Unix()))
			Expect(frame.Readings).To(HaveLen(6))

			decoded, err := wire.Decode(wire.Encode(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded.Readings).To(Equal(frame.Readings))
		})

		It("should number repeated soil probes", func() {
			frame := generator.NewNodeGenerator(3).Frame(macaddr.Address{}, noon)

			var instances []uint32
			for _, r := range frame.Readings {
				if r.SensorID == generator.SensorSoilTemperature {
					instances = append(instances, r.Instance)
				}
			}
			Expect(instances).To(Equal([]uint32{0, 1, 2}))
		})
	})
})
