// Package wire decodes the binary telemetry payload published by MIRRA gateways.
//
// A payload is an 11-byte header followed by zero or more 6-byte reading records:
//
//	[0:6)   source hardware address
//	[6:10)  unsigned 32-bit timestamp in seconds, little-endian
//	[10]    flags, reserved
//	then per record:
//	[0]     sensor id
//	[1]     reserved
//	[2:6)   IEEE-754 float32 value, little-endian
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"procodus.dev/mirra/pkg/macaddr"
)

const (
	// HeaderSize is the length of the fixed payload header.
	HeaderSize = macaddr.Size + 4 + 1
	// RecordSize is the length of a single reading record.
	RecordSize = 6
)

// ErrMalformedPayload is returned when a payload is truncated or has a trailing partial record.
var ErrMalformedPayload = errors.New("malformed payload")

// Reading is a single sensor value from a payload.
// Instance distinguishes repeated sensor ids within one message.
type Reading struct {
	SensorID uint8
	Instance uint32
	Value    float32
}

// Message is a decoded payload.
type Message struct {
	Source    macaddr.Address
	Timestamp uint32
	Flags     byte
	Readings  []Reading
}

// Decode parses payload into a Message and tags repeated sensor ids with instance numbers.
// Sensor ids are not validated against any catalog.
func Decode(payload []byte) (*Message, error) {
	if len(payload) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header",
			ErrMalformedPayload, len(payload), HeaderSize)
	}

	body := len(payload) - HeaderSize
	if body%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after header are not a multiple of %d",
			ErrMalformedPayload, body, RecordSize)
	}

	msg := &Message{
		Timestamp: binary.LittleEndian.Uint32(payload[6:10]),
		Flags:     payload[10],
		Readings:  make([]Reading, 0, body/RecordSize),
	}
	copy(msg.Source[:], payload[:macaddr.Size])

	for off := HeaderSize; off < len(payload); off += RecordSize {
		rec := payload[off : off+RecordSize]
		msg.Readings = append(msg.Readings, Reading{
			SensorID: rec[0],
			Value:    math.Float32frombits(binary.LittleEndian.Uint32(rec[2:6])),
		})
	}

	TagInstances(msg.Readings)
	return msg, nil
}

// TagInstances assigns Instance 0, 1, 2, ... to each repeated sensor id in slice order.
func TagInstances(readings []Reading) {
	seen := make(map[uint8]uint32, len(readings))
	for i := range readings {
		id := readings[i].SensorID
		readings[i].Instance = seen[id]
		seen[id]++
	}
}

// Encode serializes msg in the wire layout. Instance tags are not transmitted.
func Encode(msg Message) []byte {
	buf := make([]byte, HeaderSize+RecordSize*len(msg.Readings))
	copy(buf, msg.Source[:])
	binary.LittleEndian.PutUint32(buf[6:10], msg.Timestamp)
	buf[10] = msg.Flags

	off := HeaderSize
	for _, r := range msg.Readings {
		buf[off] = r.SensorID
		binary.LittleEndian.PutUint32(buf[off+2:off+6], math.Float32bits(r.Value))
		off += RecordSize
	}
	return buf
}
