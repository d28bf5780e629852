package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateMeasurement is returned when a measurement with the same
// (timestamp, node, sensor) key is already stored.
var ErrDuplicateMeasurement = errors.New("duplicate measurement")

// Measurements persists and reads measurement rows.
type Measurements struct {
	db *gorm.DB
}

// NewMeasurements creates a Measurements repository backed by db.
func NewMeasurements(db *gorm.DB) (*Measurements, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Measurements{db: db}, nil
}

// Insert stores m. Rows are write-once: a second insert with the same key leaves the
// stored row untouched and returns ErrDuplicateMeasurement.
func (r *Measurements) Insert(ctx context.Context, m *Measurement) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return fmt.Errorf("failed to insert measurement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: node %d sensor %d at %d",
			ErrDuplicateMeasurement, m.NodeID, m.SensorID, m.Timestamp)
	}
	return nil
}

// ForNode returns the measurements of a node ordered by timestamp.
func (r *Measurements) ForNode(ctx context.Context, nodeID uint) ([]Measurement, error) {
	var out []Measurement
	err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("timestamp, sensor_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	return out, nil
}

// Count returns the number of stored measurements.
func (r *Measurements) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Measurement{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count measurements: %w", err)
	}
	return n, nil
}

// ExportRow is one denormalized measurement as presented by the exporters.
type ExportRow struct {
	Timestamp  time.Time
	GatewayMAC string
	NodeMAC    string
	SensorName string
	SensorUnit string
	Value      float64
}

type exportScan struct {
	GatewayMAC string  `gorm:"column:gateway_mac"`
	NodeMAC    string  `gorm:"column:node_mac"`
	SensorName string  `gorm:"column:sensor_name"`
	SensorUnit string  `gorm:"column:sensor_unit"`
	Timestamp  int64   `gorm:"column:timestamp"`
	Value      float64 `gorm:"column:value"`
}

// Export streams every measurement joined with its node, gateway and sensor, ordered by
// timestamp. fn is called once per row; a non-nil error from fn stops the export.
func (r *Measurements) Export(ctx context.Context, fn func(ExportRow) error) error {
	rows, err := r.db.WithContext(ctx).
		Table("measurements AS m").
		Select(`m.timestamp AS timestamp, m.value AS value,
			gp.mac AS gateway_mac, np.mac AS node_mac,
			s.name AS sensor_name, s.unit AS sensor_unit`).
		Joins("JOIN modules n ON n.id = m.node_id").
		Joins("JOIN physical_modules np ON np.id = n.physical_module_id").
		Joins("JOIN modules g ON g.id = n.gateway_id").
		Joins("JOIN physical_modules gp ON gp.id = g.physical_module_id").
		Joins("JOIN sensors s ON s.id = m.sensor_id").
		Order("m.timestamp, m.node_id, m.sensor_id").
		Rows()
	if err != nil {
		return fmt.Errorf("failed to query export rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var s exportScan
		if err := r.db.ScanRows(rows, &s); err != nil {
			return fmt.Errorf("failed to scan export row: %w", err)
		}
		if err := fn(ExportRow{
			Timestamp:  time.Unix(s.Timestamp, 0).UTC(),
			GatewayMAC: s.GatewayMAC,
			NodeMAC:    s.NodeMAC,
			SensorName: s.SensorName,
			SensorUnit: s.SensorUnit,
			Value:      s.Value,
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate export rows: %w", err)
	}
	return nil
}

// ExportAll collects Export into a slice.
func (r *Measurements) ExportAll(ctx context.Context) ([]ExportRow, error) {
	var out []ExportRow
	err := r.Export(ctx, func(row ExportRow) error {
		out = append(out, row)
		return nil
	})
	return out, err
}
