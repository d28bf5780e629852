package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// FindPhysicalModule returns the physical module with the canonical mac, or nil when none exists.
func FindPhysicalModule(ctx context.Context, db *gorm.DB, mac string) (*PhysicalModule, error) {
	var pm PhysicalModule
	err := db.WithContext(ctx).Where("mac = ?", mac).First(&pm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up physical module %s: %w", mac, err)
	}
	return &pm, nil
}

// CurrentModule returns the most recently created module bound to mac, or nil when the
// address has never been bound.
func CurrentModule(ctx context.Context, db *gorm.DB, mac string) (*Module, error) {
	var m Module
	err := db.WithContext(ctx).
		Joins("PhysicalModule").
		Where("modules.physical_module_id = (SELECT p.id FROM physical_modules p WHERE p.mac = ?)", mac).
		Order("modules.id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up current module for %s: %w", mac, err)
	}
	return &m, nil
}

// CurrentGateways lists every gateway that is still the current module of its address.
func CurrentGateways(ctx context.Context, db *gorm.DB) ([]Module, error) {
	var out []Module
	err := db.WithContext(ctx).
		Joins("PhysicalModule").
		Where("modules.gateway_id IS NULL").
		Where("modules.id = (SELECT MAX(c.id) FROM modules c WHERE c.physical_module_id = modules.physical_module_id)").
		Order("modules.id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list gateways: %w", err)
	}
	return out, nil
}

// NodesOf lists the nodes created under gateway id.
func NodesOf(ctx context.Context, db *gorm.DB, gatewayID uint) ([]Module, error) {
	var out []Module
	err := db.WithContext(ctx).
		Joins("PhysicalModule").
		Where("modules.gateway_id = ?", gatewayID).
		Order("modules.id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes of gateway %d: %w", gatewayID, err)
	}
	return out, nil
}
