// Package testcontainers starts the brokers and databases the e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig holds configuration for RabbitMQ test container.
type RabbitMQConfig struct {
	// User is the RabbitMQ username (default: guest)
	User string
	// Password is the RabbitMQ password (default: guest)
	Password string
	// ContainerName is the name of the container (optional)
	ContainerName string
	// MQTT enables the MQTT plugin, which forwards MQTT publishes to amq.topic.
	MQTT bool
}

// RabbitMQ describes a started RabbitMQ container.
type RabbitMQ struct {
	Container testcontainers.Container
	AMQPURL   string
	// MQTTURL is empty unless the MQTT plugin was enabled.
	MQTTURL string
}

// StartRabbitMQ starts a RabbitMQ container for testing.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (*RabbitMQ, error) {
	if config == nil {
		config = &RabbitMQConfig{}
	}
	user, password := config.User, config.Password
	if user == "" {
		user = "guest"
	}
	if password == "" {
		password = "guest"
	}

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management-alpine",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		),
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": user,
			"RABBITMQ_DEFAULT_PASS": password,
		},
		Name: config.ContainerName,
	}
	if config.MQTT {
		req.ExposedPorts = append(req.ExposedPorts, "1883/tcp")
		req.Cmd = []string{"sh", "-c", "rabbitmq-plugins enable --offline rabbitmq_mqtt && exec rabbitmq-server"}
		req.WaitingFor = wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForListeningPort("1883/tcp"),
			wait.ForLog("Server startup complete"),
		)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	amqpPort, err := container.MappedPort(ctx, "5672")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	out := &RabbitMQ{
		Container: container,
		AMQPURL:   fmt.Sprintf("amqp://%s:%s@%s:%s/", user, password, host, amqpPort.Port()),
	}

	if config.MQTT {
		mqttPort, err := container.MappedPort(ctx, "1883")
		if err != nil {
			_ = container.Terminate(ctx)
			return nil, fmt.Errorf("failed to get mqtt port: %w", err)
		}
		out.MQTTURL = fmt.Sprintf("tcp://%s:%s", host, mqttPort.Port())
	}

	return out, nil
}
