package testcontainers

import (
	"context"
	"fmt"
	"strings"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// mosquittoConf opens an anonymous plain listener. Mosquitto 2 only listens on
// localhost without one.
const mosquittoConf = "listener 1883\nallow_anonymous true\n"

// MosquittoConfig holds configuration for the Mosquitto test container.
type MosquittoConfig struct {
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartMosquitto starts an Eclipse Mosquitto broker and returns the container and its
// tcp:// broker URL.
func StartMosquitto(ctx context.Context, config *MosquittoConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &MosquittoConfig{}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			Files: []testcontainers.ContainerFile{{
				Reader:            strings.NewReader(mosquittoConf),
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			}},
			WaitingFor: wait.ForListeningPort("1883/tcp"),
			Name:       config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container port: %w", err)
	}

	return container, fmt.Sprintf("tcp://%s:%s", host, port.Port()), nil
}
