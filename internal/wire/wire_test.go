package wire_test

import (
	"encoding/binary"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/macaddr"
)

// rawPayload builds a payload byte by byte so the decoder is checked against the layout,
// not against Encode.
func rawPayload(ts uint32, records ...[]byte) []byte {
	buf := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	buf = binary.LittleEndian.AppendUint32(buf, ts)
	buf = append(buf, 0x00)
	for _, r := range records {
		buf = append(buf, r...)
	}
	return buf
}

func record(id uint8, v float32) []byte {
	r := []byte{id, 0x00}
	return binary.LittleEndian.AppendUint32(r, math.Float32bits(v))
}

var _ = Describe("Decode", func() {
	It("should decode two repeated readings with instance tags", func() {
		payload := rawPayload(1700000000, record(3, 21.5), record(3, 21.6))

		msg, err := wire.Decode(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Timestamp).To(Equal(uint32(1700000000)))
		Expect(msg.Source).To(Equal(macaddr.MustParse("AA:BB:CC:DD:EE:FF")))
		Expect(msg.Readings).To(Equal([]wire.Reading{
			{SensorID: 3, Instance: 0, Value: 21.5},
			{SensorID: 3, Instance: 1, Value: 21.6},
		}))
	})

	It("should accept a header-only payload", func() {
		msg, err := wire.Decode(rawPayload(42))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Readings).To(BeEmpty())
	})

	It("should pass unknown sensor ids through", func() {
		msg, err := wire.Decode(rawPayload(1, record(250, 1.25)))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Readings).To(HaveLen(1))
		Expect(msg.Readings[0].SensorID).To(Equal(uint8(250)))
	})

	DescribeTable("reading count equals (len-11)/6",
		func(n int) {
			records := make([][]byte, n)
			for i := range records {
				records[i] = record(uint8(i%5), float32(i))
			}
			payload := rawPayload(7, records...)

			msg, err := wire.Decode(payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Readings).To(HaveLen((len(payload) - wire.HeaderSize) / wire.RecordSize))
		},
		Entry("one record", 1),
		Entry("five records", 5),
		Entry("forty records", 40),
	)

	DescribeTable("rejects malformed payloads",
		func(payload []byte) {
			_, err := wire.Decode(payload)
			Expect(err).To(MatchError(wire.ErrMalformedPayload))
		},
		Entry("empty", []byte{}),
		Entry("truncated header", make([]byte, 10)),
		Entry("one trailing byte", append(rawPayload(1), 0x01)),
		Entry("partial record", append(rawPayload(1, record(1, 1)), 0x01, 0x02, 0x03)),
	)
})

var _ = Describe("TagInstances", func() {
	It("should count repeats per sensor id in order", func() {
		readings := []wire.Reading{{SensorID: 1}, {SensorID: 1}, {SensorID: 2}, {SensorID: 1}}
		wire.TagInstances(readings)

		tags := make([]uint32, len(readings))
		for i, r := range readings {
			tags[i] = r.Instance
		}
		Expect(tags).To(Equal([]uint32{0, 1, 0, 2}))
	})
})

var _ = Describe("Encode", func() {
	It("should produce the byte layout Decode expects", func() {
		msg := wire.Message{
			Source:    macaddr.MustParse("AA:BB:CC:DD:EE:FF"),
			Timestamp: 1700000000,
			Readings:  []wire.Reading{{SensorID: 3, Value: 21.5}, {SensorID: 3, Value: 21.6}},
		}
		Expect(wire.Encode(msg)).To(Equal(rawPayload(1700000000, record(3, 21.5), record(3, 21.6))))
	})
})
