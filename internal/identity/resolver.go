// Package identity maps hardware addresses to gateway and node modules.
//
// An address may have been bound to several modules over time; the most recently
// created one is its current module. Gateways are created by provisioning, nodes on
// the first telemetry message that names them under a known gateway.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"procodus.dev/mirra/internal/credentials"
	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
)

var (
	// ErrUnknownGateway is returned when a node reports through an address that is not
	// currently a gateway.
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrNotFound is returned when an address has no current module of the requested kind.
	ErrNotFound = errors.New("module not found")
)

// CredentialStore is the part of the broker credential file the resolver updates when
// an address changes role. Changes are applied after the database commit. An error
// wrapping credentials.ErrReloadFailed means the file was written and is only logged.
type CredentialStore interface {
	Update(addr macaddr.Address, psk string) error
	Remove(addr macaddr.Address) error
}

// Config holds the configuration for the Resolver.
type Config struct {
	Logger      *slog.Logger
	DB          *gorm.DB
	Credentials CredentialStore
	Metrics     *metrics.IngestMetrics // optional
}

// Resolver looks up and creates modules for hardware addresses.
type Resolver struct {
	logger      *slog.Logger
	db          *gorm.DB
	credentials CredentialStore
	metrics     *metrics.IngestMetrics
	locks       *keyedMutex
}

// NewResolver creates a new Resolver.
func NewResolver(cfg *Config) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	if cfg.Credentials == nil {
		return nil, errors.New("credential store cannot be nil")
	}

	return &Resolver{
		logger:      cfg.Logger,
		db:          cfg.DB,
		credentials: cfg.Credentials,
		metrics:     cfg.Metrics,
		locks:       newKeyedMutex(),
	}, nil
}

// CurrentModule returns the current module of addr, or nil when addr was never bound.
func (r *Resolver) CurrentModule(ctx context.Context, addr macaddr.Address) (*store.Module, error) {
	return store.CurrentModule(ctx, r.db, addr.String())
}

// CurrentGateway returns the current module of addr if it is a gateway, nil otherwise.
func (r *Resolver) CurrentGateway(ctx context.Context, addr macaddr.Address) (*store.Module, error) {
	return r.currentOfKind(ctx, r.db, addr, store.KindGateway)
}

// CurrentNode returns the current module of addr if it is a node, nil otherwise.
func (r *Resolver) CurrentNode(ctx context.Context, addr macaddr.Address) (*store.Module, error) {
	return r.currentOfKind(ctx, r.db, addr, store.KindNode)
}

func (r *Resolver) currentOfKind(ctx context.Context, db *gorm.DB, addr macaddr.Address, kind store.Kind) (*store.Module, error) {
	m, err := store.CurrentModule(ctx, db, addr.String())
	if err != nil || m == nil {
		return nil, err
	}
	if m.Kind() != kind {
		return nil, nil
	}
	return m, nil
}

// ResolveNode returns the node module for nodeAddr, creating it under the current gateway
// of gatewayAddr if needed.
//
// An existing node is returned as is, even when it is attached to a different gateway.
// If nodeAddr is currently a gateway, a new node row takes over the address and the
// broker credential is revoked once the row is committed. A failed revocation is logged
// and does not fail the call. Returns ErrUnknownGateway when gatewayAddr is not currently a
// gateway and a node would have to be created.
func (r *Resolver) ResolveNode(ctx context.Context, nodeAddr, gatewayAddr macaddr.Address) (*store.Module, error) {
	unlock := r.locks.Lock(nodeAddr.String())
	defer unlock()

	var (
		node     *store.Module
		created  bool
		previous *store.Module
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := store.CurrentModule(ctx, tx, nodeAddr.String())
		if err != nil {
			return err
		}

		if current != nil && current.Kind() == store.KindNode {
			node = current
			return nil
		}

		gateway, err := r.currentOfKind(ctx, tx, gatewayAddr, store.KindGateway)
		if err != nil {
			return err
		}
		if gateway == nil {
			return fmt.Errorf("%w: %s", ErrUnknownGateway, gatewayAddr)
		}

		// a non-nil current module here is a gateway now reporting as a node
		previous = current
		node, err = createModule(ctx, tx, nodeAddr, &gateway.ID)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}

	if previous != nil {
		r.logger.Info("gateway demoted to node",
			"node_mac", nodeAddr.String(),
			"gateway_mac", gatewayAddr.String(),
			"previous_module_id", previous.ID,
		)
		if err := r.revoke(nodeAddr); err != nil {
			r.logger.Error("failed to revoke credential of demoted gateway",
				"node_mac", nodeAddr.String(),
				"error", err,
			)
		}
	}

	if created {
		r.recordCreated(store.KindNode)
		r.logger.Info("node added",
			"node_mac", nodeAddr.String(),
			"gateway_mac", gatewayAddr.String(),
			"module_id", node.ID,
		)
	}
	return node, nil
}

// ResolveGateway returns the current gateway of addr, creating a gateway row when addr is
// unknown or currently a node.
func (r *Resolver) ResolveGateway(ctx context.Context, addr macaddr.Address) (*store.Module, error) {
	unlock := r.locks.Lock(addr.String())
	defer unlock()

	var (
		gateway *store.Module
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := store.CurrentModule(ctx, tx, addr.String())
		if err != nil {
			return err
		}
		if current != nil && current.Kind() == store.KindGateway {
			gateway = current
			return nil
		}
		gateway, err = createModule(ctx, tx, addr, nil)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		r.recordCreated(store.KindGateway)
	}
	return gateway, nil
}

// AddGateway binds addr to a new gateway row and installs psk as its broker credential.
// A new row is created even if addr is already a gateway, so re-provisioning detaches
// the nodes of the previous binding.
//
// The credential is written after the row is committed. If the file cannot be written
// the new row is deleted again and the error returned; a failed broker reload is logged
// and the gateway kept, since the file already holds the key.
func (r *Resolver) AddGateway(ctx context.Context, addr macaddr.Address, psk string) (*store.Module, error) {
	unlock := r.locks.Lock(addr.String())
	defer unlock()

	var gateway *store.Module
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		gateway, err = createModule(ctx, tx, addr, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := r.settle(r.credentials.Update(addr, psk), addr); err != nil {
		if delErr := r.db.WithContext(ctx).Delete(&store.Module{}, gateway.ID).Error; delErr != nil {
			r.logger.Error("failed to roll back gateway without credential",
				"gateway_mac", addr.String(),
				"module_id", gateway.ID,
				"error", delErr,
			)
		}
		return nil, fmt.Errorf("failed to store credential of %s: %w", addr, err)
	}

	r.recordCreated(store.KindGateway)
	r.logger.Info("gateway added", "gateway_mac", addr.String(), "module_id", gateway.ID)
	return gateway, nil
}

// RemoveGateway deletes the current gateway row of addr along with the nodes and
// measurements under it, then revokes its credential. Returns ErrNotFound when addr is
// not currently a gateway.
func (r *Resolver) RemoveGateway(ctx context.Context, addr macaddr.Address) error {
	unlock := r.locks.Lock(addr.String())
	defer unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		gateway, err := r.currentOfKind(ctx, tx, addr, store.KindGateway)
		if err != nil {
			return err
		}
		if gateway == nil {
			return fmt.Errorf("%w: no current gateway for %s", ErrNotFound, addr)
		}

		if err := tx.Delete(&store.Module{}, gateway.ID).Error; err != nil {
			return fmt.Errorf("failed to delete gateway %d: %w", gateway.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("gateway removed", "gateway_mac", addr.String())
	if err := r.revoke(addr); err != nil {
		return fmt.Errorf("gateway %s removed but its credential is still on file: %w", addr, err)
	}
	return nil
}

// revoke removes the credential of addr, tolerating a failed broker reload.
func (r *Resolver) revoke(addr macaddr.Address) error {
	if err := r.settle(r.credentials.Remove(addr), addr); err != nil {
		return fmt.Errorf("failed to revoke credential of %s: %w", addr, err)
	}
	return nil
}

// settle drops reload failures: the file is written and the broker converges on its
// next reload.
func (r *Resolver) settle(err error, addr macaddr.Address) error {
	if errors.Is(err, credentials.ErrReloadFailed) {
		r.logger.Warn("credential file updated but broker reload failed",
			"gateway_mac", addr.String(),
			"error", err,
		)
		return nil
	}
	return err
}

func (r *Resolver) recordCreated(kind store.Kind) {
	if r.metrics != nil {
		r.metrics.ModulesCreated.WithLabelValues(string(kind)).Inc()
	}
}

// createModule creates a module for addr, creating the physical module on first sighting.
func createModule(ctx context.Context, tx *gorm.DB, addr macaddr.Address, gatewayID *uint) (*store.Module, error) {
	pm, err := store.FindPhysicalModule(ctx, tx, addr.String())
	if err != nil {
		return nil, err
	}
	if pm == nil {
		pm = &store.PhysicalModule{MAC: addr.String()}
		if err := tx.WithContext(ctx).Create(pm).Error; err != nil {
			return nil, fmt.Errorf("failed to create physical module %s: %w", addr, err)
		}
	}

	m := &store.Module{PhysicalModuleID: pm.ID, GatewayID: gatewayID}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("failed to create module for %s: %w", addr, err)
	}
	m.PhysicalModule = *pm
	return m, nil
}
