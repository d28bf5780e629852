package ingest

import (
	"errors"
	"fmt"
	"strings"

	"procodus.dev/mirra/pkg/macaddr"
)

// ErrInvalidTopic is returned when a topic is not of the form {namespace}/{gateway}/{node}.
var ErrInvalidTopic = errors.New("invalid topic")

// ParseTopic extracts the gateway and node addresses from a telemetry topic.
// Addresses may be colon separated or bare hex.
func ParseTopic(topic string) (gateway, node macaddr.Address, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return gateway, node, fmt.Errorf("%w: %q must have 3 segments, got %d", ErrInvalidTopic, topic, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return gateway, node, fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
	}

	gateway, err = macaddr.Parse(parts[1])
	if err != nil {
		return gateway, node, fmt.Errorf("gateway segment of %q: %w", topic, err)
	}

	node, err = macaddr.Parse(parts[2])
	if err != nil {
		return gateway, node, fmt.Errorf("node segment of %q: %w", topic, err)
	}

	return gateway, node, nil
}

// Topic builds the telemetry topic for a node reporting through gateway.
func Topic(namespace string, gateway, node macaddr.Address) string {
	return namespace + "/" + gateway.String() + "/" + node.String()
}
