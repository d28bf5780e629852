package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// BrokerConfig holds the configuration for a managed broker process.
type BrokerConfig struct {
	Logger      *slog.Logger
	Command     string
	Args        []string
	StopTimeout time.Duration
}

// Broker runs the MQTT broker as a child process and implements Reloader by sending
// it SIGHUP.
type Broker struct {
	logger      *slog.Logger
	cmd         *exec.Cmd
	done        chan struct{}
	command     string
	args        []string
	waitErr     error
	stopTimeout time.Duration
	mu          sync.Mutex
}

// NewBroker creates a new Broker. The process is not started until Start is called.
func NewBroker(cfg *BrokerConfig) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Command == "" {
		return nil, errors.New("broker command cannot be empty")
	}

	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}

	return &Broker{
		logger:      cfg.Logger,
		command:     cfg.Command,
		args:        cfg.Args,
		stopTimeout: stopTimeout,
	}, nil
}

// Start spawns the broker process.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return errors.New("broker already started")
	}

	// The process outlives ctx; Stop terminates it.
	cmd := exec.Command(b.command, b.args...) //nolint:gosec // command comes from operator configuration
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	b.cmd = cmd
	b.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		b.waitErr = err
		b.mu.Unlock()
		close(b.done)
	}()

	b.logger.InfoContext(ctx, "broker started", "command", b.command, "pid", cmd.Process.Pid)
	return nil
}

// Reload sends SIGHUP to the broker so it re-reads its credential file.
func (b *Broker) Reload() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return errors.New("broker not running")
	}

	select {
	case <-b.done:
		return fmt.Errorf("broker exited: %v", b.waitErr)
	default:
	}

	if err := b.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal broker: %w", err)
	}

	b.logger.Debug("broker reload signalled")
	return nil
}

// Stop terminates the broker, killing it if it does not exit within the stop timeout.
func (b *Broker) Stop() error {
	b.mu.Lock()
	cmd, done := b.cmd, b.done
	b.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	b.logger.Info("stopping broker")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop broker: %w", err)
	}

	select {
	case <-done:
	case <-time.After(b.stopTimeout):
		b.logger.Warn("broker did not stop in time, killing")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill broker: %w", err)
		}
		<-done
	}

	b.logger.Info("broker stopped")
	return nil
}

var (
	_ Reloader = (*Broker)(nil)
	_ Reloader = NopReloader{}
)
