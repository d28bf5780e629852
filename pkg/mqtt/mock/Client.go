// Package mock provides mock implementations of the mqtt package interfaces for testing.
package mock

import (
	"context"
	"errors"
	"sync"

	"procodus.dev/mirra/pkg/mqtt"
)

// MockClient is a mock implementation of mqtt.ClientInterface for testing.
// Deliver simulates inbound messages on registered subscriptions.
type MockClient struct {
	mu sync.Mutex

	// ConnectError is returned by Connect.
	ConnectError error
	// ConnectCalls tracks the number of times Connect was called.
	ConnectCalls int

	// SubscribeError is returned by Subscribe.
	SubscribeError error
	// Subscriptions maps subscribed topic filters to their handlers.
	Subscriptions map[string]mqtt.MessageHandler

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, topic string, payload []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish with their arguments.
	PublishCalls []PublishCall

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int

	connected bool
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		Subscriptions: make(map[string]mqtt.MessageHandler),
		PublishCalls:  make([]PublishCall, 0),
	}
}

// Connect implements mqtt.ClientInterface.
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConnectCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ConnectError != nil {
		return m.ConnectError
	}
	m.connected = true
	return nil
}

// Subscribe implements mqtt.ClientInterface.
func (m *MockClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeError != nil {
		return m.SubscribeError
	}
	m.Subscriptions[topic] = handler
	return nil
}

// Publish implements mqtt.ClientInterface.
func (m *MockClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, PublishCall{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	fn, err := m.PublishFunc, m.PublishError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, topic, payload)
	}
	return err
}

// IsConnected implements mqtt.ClientInterface.
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close implements mqtt.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	m.connected = false
	return m.CloseError
}

// Deliver invokes the handler subscribed under filter as if the broker had delivered
// a message on topic.
func (m *MockClient) Deliver(filter, topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.Subscriptions[filter]
	m.mu.Unlock()

	if !ok {
		return errors.New("no subscription for " + filter)
	}
	handler(topic, payload)
	return nil
}

// Published returns a copy of the recorded Publish calls.
func (m *MockClient) Published() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishCall(nil), m.PublishCalls...)
}

// Ensure MockClient implements mqtt.ClientInterface.
var _ mqtt.ClientInterface = (*MockClient)(nil)
