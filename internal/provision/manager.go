// Package provision implements the access-code flow that admits a gateway to the
// MQTT broker.
//
// An operator requests a code for a gateway address. The code is shown to the operator
// and typed into the gateway, which presents it back together with its address. A matching
// code yields the gateway's pre-shared key, and the gateway is persisted. Codes are held
// in memory only and expire after a fixed window.
package provision

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
)

const (
	// DefaultTTL is how long an access code stays valid.
	DefaultTTL = 180 * time.Second

	codeBytes = 4
	pskBytes  = 32
)

var (
	// ErrAccessCodeNotFound is returned when no code is pending for an address,
	// either because none was issued or because it expired.
	ErrAccessCodeNotFound = errors.New("access code not found")
	// ErrAccessCodeMismatch is returned when the presented code differs from the pending one.
	ErrAccessCodeMismatch = errors.New("access code mismatch")
)

// Committer persists a verified gateway together with its credential.
type Committer interface {
	AddGateway(ctx context.Context, addr macaddr.Address, psk string) (*store.Module, error)
}

// Config holds the configuration for the Manager.
type Config struct {
	Logger    *slog.Logger
	Committer Committer
	Metrics   *metrics.ProvisionMetrics // optional
	TTL       time.Duration
}

type pendingCode struct {
	timer *time.Timer
	code  string
	psk   string
}

// Manager holds the pending access codes.
type Manager struct {
	logger    *slog.Logger
	committer Committer
	metrics   *metrics.ProvisionMetrics
	pending   map[macaddr.Address]*pendingCode
	ttl       time.Duration
	mu        sync.Mutex
	closed    bool
}

// NewManager creates a new Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Committer == nil {
		return nil, errors.New("committer cannot be nil")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		logger:    cfg.Logger,
		committer: cfg.Committer,
		metrics:   cfg.Metrics,
		pending:   make(map[macaddr.Address]*pendingCode),
		ttl:       ttl,
	}, nil
}

// TTL returns how long issued codes remain valid.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue generates a new access code and pre-shared key for addr. Any code still pending
// for addr is superseded.
func (m *Manager) Issue(addr macaddr.Address) (string, error) {
	code, err := randomHex(codeBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate access code: %w", err)
	}
	psk, err := randomHex(pskBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate psk: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", errors.New("provisioning manager is closed")
	}

	if prev, ok := m.pending[addr]; ok {
		prev.timer.Stop()
		m.logger.Info("access code superseded", "gateway_mac", addr.String())
	}

	entry := &pendingCode{code: code, psk: psk}
	entry.timer = time.AfterFunc(m.ttl, func() { m.expire(addr, code) })
	m.pending[addr] = entry

	if m.metrics != nil {
		m.metrics.CodesIssued.Inc()
		m.metrics.PendingCodes.Set(float64(len(m.pending)))
	}

	m.logger.Info("access code issued", "gateway_mac", addr.String(), "ttl", m.ttl)
	return code, nil
}

// expire evicts the entry for addr only if it still holds code. A timer that fires after
// its entry was superseded or consumed does nothing.
func (m *Manager) expire(addr macaddr.Address, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[addr]
	if !ok || entry.code != code {
		return
	}
	delete(m.pending, addr)

	if m.metrics != nil {
		m.metrics.CodesExpired.Inc()
		m.metrics.PendingCodes.Set(float64(len(m.pending)))
	}

	m.logger.Info("access code expired", "gateway_mac", addr.String())
}

// Verify checks code against the pending code of addr. On a match the code is consumed,
// the gateway is committed and its pre-shared key returned. A mismatch leaves the pending
// code in place.
func (m *Manager) Verify(ctx context.Context, addr macaddr.Address, code string) (string, error) {
	m.mu.Lock()
	entry, ok := m.pending[addr]
	if !ok {
		m.mu.Unlock()
		m.recordVerification("not_found")
		return "", fmt.Errorf("%w: %s", ErrAccessCodeNotFound, addr)
	}

	if subtle.ConstantTimeCompare([]byte(entry.code), []byte(code)) != 1 {
		m.mu.Unlock()
		m.recordVerification("mismatch")
		m.logger.Warn("access code mismatch", "gateway_mac", addr.String())
		return "", fmt.Errorf("%w: %s", ErrAccessCodeMismatch, addr)
	}

	entry.timer.Stop()
	delete(m.pending, addr)
	if m.metrics != nil {
		m.metrics.PendingCodes.Set(float64(len(m.pending)))
	}
	m.mu.Unlock()

	if _, err := m.committer.AddGateway(ctx, addr, entry.psk); err != nil {
		m.recordVerification("error")
		return "", fmt.Errorf("failed to add gateway %s: %w", addr, err)
	}

	m.recordVerification("success")
	return entry.psk, nil
}

// Pending reports whether a code is waiting for verification for addr.
func (m *Manager) Pending(addr macaddr.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[addr]
	return ok
}

// Close stops all expiry timers and discards pending codes.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, entry := range m.pending {
		entry.timer.Stop()
		delete(m.pending, addr)
	}
	m.closed = true

	if m.metrics != nil {
		m.metrics.PendingCodes.Set(0)
	}
}

func (m *Manager) recordVerification(result string) {
	if m.metrics != nil {
		m.metrics.Verifications.WithLabelValues(result).Inc()
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
