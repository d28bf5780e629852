// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/mirra/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// PushFunc is called when Push is invoked. If nil, returns PushError.
	PushFunc func(ctx context.Context, routingKey string, data []byte) error
	// PushError is returned by Push if PushFunc is nil.
	PushError error
	// PushCalls tracks all calls to Push with their arguments.
	PushCalls []PushCall

	// UnsafePushFunc is called when UnsafePush is invoked. If nil, returns UnsafePushError.
	UnsafePushFunc func(ctx context.Context, routingKey string, data []byte) error
	// UnsafePushError is returned by UnsafePush if UnsafePushFunc is nil.
	UnsafePushError error
	// UnsafePushCalls tracks all calls to UnsafePush with their arguments.
	UnsafePushCalls []PushCall

	// ConsumeFunc is called when Consume is invoked. If nil, returns ConsumeChannel and ConsumeError.
	ConsumeFunc func() (<-chan amqp.Delivery, error)
	// ConsumeChannel is returned by Consume if ConsumeFunc is nil.
	ConsumeChannel <-chan amqp.Delivery
	// ConsumeError is returned by Consume if ConsumeFunc is nil.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PushCall records the arguments to a Push or UnsafePush call.
type PushCall struct {
	Ctx        context.Context
	RoutingKey string
	Data       []byte
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		ConsumeChannel: make(chan amqp.Delivery),
	}
}

// Push implements ClientInterface.
func (m *MockClient) Push(ctx context.Context, routingKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = append(m.PushCalls, PushCall{Ctx: ctx, RoutingKey: routingKey, Data: data})

	if m.PushFunc != nil {
		return m.PushFunc(ctx, routingKey, data)
	}
	return m.PushError
}

// UnsafePush implements ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, routingKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnsafePushCalls = append(m.UnsafePushCalls, PushCall{Ctx: ctx, RoutingKey: routingKey, Data: data})

	if m.UnsafePushFunc != nil {
		return m.UnsafePushFunc(ctx, routingKey, data)
	}
	return m.UnsafePushError
}

// Consume implements ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++

	if m.ConsumeFunc != nil {
		return m.ConsumeFunc()
	}
	return m.ConsumeChannel, m.ConsumeError
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Pushed returns a snapshot of the Push calls made so far.
func (m *MockClient) Pushed() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PushCall, len(m.PushCalls))
	copy(out, m.PushCalls)
	return out
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)
