package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
)

//go:embed catalog.json
var defaultCatalog []byte

type catalogFile struct {
	SensorClasses []SensorClass `json:"sensor_classes"`
	Sensors       []Sensor      `json:"sensors"`
}

// SeedCatalog inserts the built-in sensor classes and sensors when the sensors table is empty.
func SeedCatalog(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	return seedCatalog(ctx, db, logger, defaultCatalog)
}

func seedCatalog(ctx context.Context, db *gorm.DB, logger *slog.Logger, raw []byte) error {
	var count int64
	if err := db.WithContext(ctx).Model(&Sensor{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count sensors: %w", err)
	}
	if count > 0 {
		logger.Debug("sensor catalog already populated", "sensors", count)
		return nil
	}

	var cat catalogFile
	if err := json.Unmarshal(raw, &cat); err != nil {
		return fmt.Errorf("failed to parse sensor catalog: %w", err)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(cat.SensorClasses) > 0 {
			if err := tx.Create(&cat.SensorClasses).Error; err != nil {
				return fmt.Errorf("failed to insert sensor classes: %w", err)
			}
		}
		if len(cat.Sensors) > 0 {
			if err := tx.Create(&cat.Sensors).Error; err != nil {
				return fmt.Errorf("failed to insert sensors: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("sensor catalog seeded",
		"sensor_classes", len(cat.SensorClasses),
		"sensors", len(cat.Sensors),
	)
	return nil
}

// Catalog resolves wire sensor ids to catalog rows. The catalog is static once seeded,
// so rows are cached after the first lookup.
type Catalog struct {
	db    *gorm.DB
	cache map[uint8]*Sensor
	mu    sync.RWMutex
}

// NewCatalog creates a Catalog backed by db.
func NewCatalog(db *gorm.DB) (*Catalog, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Catalog{db: db, cache: make(map[uint8]*Sensor)}, nil
}

// Sensor returns the catalog entry for id, or nil when id is not in the catalog.
func (c *Catalog) Sensor(ctx context.Context, id uint8) (*Sensor, error) {
	c.mu.RLock()
	s, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	var sensor Sensor
	err := c.db.WithContext(ctx).First(&sensor, uint(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up sensor %d: %w", id, err)
	}

	c.mu.Lock()
	c.cache[id] = &sensor
	c.mu.Unlock()
	return &sensor, nil
}

// Sensors lists the whole catalog ordered by id.
func (c *Catalog) Sensors(ctx context.Context) ([]Sensor, error) {
	var sensors []Sensor
	if err := c.db.WithContext(ctx).Order("id").Find(&sensors).Error; err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}
	return sensors, nil
}
