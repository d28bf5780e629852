// Package credentials maintains the pre-shared key file the MQTT broker uses to
// authenticate gateways, and signals the broker to reload it.
//
// The file holds one "IDENTITY:psk" line per gateway, where IDENTITY is the gateway
// hardware address as 12 upper-case hex characters.
package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
)

// ErrReloadFailed is returned when the credential file was written but the broker could
// not be signalled. The file is already up to date; the broker picks it up on its next
// successful reload.
var ErrReloadFailed = errors.New("failed to reload broker")

// Reloader tells the broker to re-read the credential file.
type Reloader interface {
	Reload() error
}

// NopReloader is a Reloader that does nothing. Used when no broker is managed by this process.
type NopReloader struct{}

// Reload implements Reloader.
func (NopReloader) Reload() error { return nil }

// Entry is one line of the credential file.
type Entry struct {
	Identity string
	PSK      string
}

// Config holds the configuration for the Store.
type Config struct {
	Logger   *slog.Logger
	Reloader Reloader
	Metrics  *metrics.ProvisionMetrics // optional
	Path     string
}

// Store serializes all access to the credential file.
type Store struct {
	logger   *slog.Logger
	reloader Reloader
	metrics  *metrics.ProvisionMetrics
	path     string
	mu       sync.Mutex
}

// NewStore creates a new Store.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Path == "" {
		return nil, errors.New("credential file path cannot be empty")
	}

	reloader := cfg.Reloader
	if reloader == nil {
		reloader = NopReloader{}
	}

	return &Store{
		logger:   cfg.Logger,
		reloader: reloader,
		metrics:  cfg.Metrics,
		path:     cfg.Path,
	}, nil
}

// Path returns the location of the credential file.
func (s *Store) Path() string {
	return s.path
}

// EnsureFile creates an empty credential file and its directory if they do not exist.
func (s *Store) EnsureFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create credential file: %w", err)
	}
	return f.Close()
}

// Set appends a credential for addr and reloads the broker.
func (s *Store) Set(addr macaddr.Address, psk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLocked(addr, psk); err != nil {
		s.recordMutation("set", err)
		return err
	}
	s.recordMutation("set", nil)
	return s.reloadLocked()
}

// Remove drops every credential line for addr and reloads the broker.
func (s *Store) Remove(addr macaddr.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeLocked(addr); err != nil {
		s.recordMutation("remove", err)
		return err
	}
	s.recordMutation("remove", nil)
	return s.reloadLocked()
}

// Update replaces the credential of addr with psk and reloads the broker once.
func (s *Store) Update(addr macaddr.Address, psk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.removeLocked(addr)
	if err == nil {
		err = s.appendLocked(addr, psk)
	}
	s.recordMutation("update", err)
	if err != nil {
		return err
	}
	return s.reloadLocked()
}

// Entries returns the credentials currently on file.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		identity, psk, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		entries = append(entries, Entry{Identity: identity, PSK: psk})
	}
	return entries, nil
}

func (s *Store) appendLocked(addr macaddr.Address, psk string) error {
	if psk == "" || strings.ContainsAny(psk, ":\r\n") {
		return errors.New("psk must be non-empty and must not contain ':' or line breaks")
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open credential file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%s:%s\n", addr.Hex(), psk); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append credential: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	s.logger.Info("credential added", "gateway_mac", addr.String())
	return nil
}

func (s *Store) removeLocked(addr macaddr.Address) error {
	lines, err := s.readLocked()
	if err != nil {
		return err
	}

	identity := addr.Hex()
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		id, _, _ := strings.Cut(line, ":")
		if strings.EqualFold(strings.TrimSpace(id), identity) {
			continue
		}
		kept = append(kept, line)
	}

	if len(kept) == len(lines) {
		return nil
	}

	if err := s.writeLocked(kept); err != nil {
		return err
	}

	s.logger.Info("credential removed", "gateway_mac", addr.String())
	return nil
}

// readLocked returns the non-empty lines of the file. A missing file reads as empty.
func (s *Store) readLocked() ([]string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open credential file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	return lines, nil
}

// writeLocked replaces the file through a temporary file in the same directory so the
// broker never observes a partially written file.
func (s *Store) writeLocked(lines []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write temporary credential file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush temporary credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary credential file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

func (s *Store) reloadLocked() error {
	err := s.reloader.Reload()
	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.BrokerReloads.WithLabelValues(status).Inc()
	}
	if err != nil {
		s.logger.Error("failed to reload broker", "error", err)
		return fmt.Errorf("%w: %w", ErrReloadFailed, err)
	}
	return nil
}

func (s *Store) recordMutation(op string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.CredentialMutations.WithLabelValues(op, status).Inc()
}
