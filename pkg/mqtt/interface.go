package mqtt

import "context"

// MessageHandler is called for every message received on a subscription.
// It runs on the client's delivery goroutine and should return quickly.
type MessageHandler func(topic string, payload []byte)

// ClientInterface defines the MQTT operations used by the backend and the simulator.
type ClientInterface interface {
	// Connect blocks until the broker accepts the connection or ctx is done.
	// Refused connections are retried at a fixed interval.
	Connect(ctx context.Context) error

	// Subscribe registers handler for topic. Subscriptions are restored after a reconnect.
	Subscribe(topic string, qos byte, handler MessageHandler) error

	// Publish sends payload to topic and waits for the broker to acknowledge it
	// according to qos.
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error

	// IsConnected reports whether the client currently holds a broker connection.
	IsConnected() bool

	// Close disconnects from the broker.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
