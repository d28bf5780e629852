package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the AMQP operations used to bridge telemetry through RabbitMQ.
type ClientInterface interface {
	// Push publishes data under routingKey and waits for the broker to confirm it.
	// Not-ready connections and negative confirmations are retried with backoff.
	Push(ctx context.Context, routingKey string, data []byte) error

	// UnsafePush publishes without waiting for a confirmation.
	UnsafePush(ctx context.Context, routingKey string, data []byte) error

	// Consume delivers messages from the client's queue. Every delivery must be
	// acknowledged with Ack or Nack.
	Consume() (<-chan amqp.Delivery, error)

	// Close shuts down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
