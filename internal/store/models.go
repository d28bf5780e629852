// Package store holds the persistent data model of the telemetry backend and the
// queries the ingestion path and exporters run against it.
package store

import (
	"time"
)

// Kind is the role a Module plays.
type Kind string

const (
	KindGateway Kind = "gateway"
	KindNode    Kind = "node"
)

// PhysicalModule is a hardware unit identified by its MAC address.
type PhysicalModule struct {
	CreatedAt time.Time `gorm:"autoCreateTime"`
	MAC       string    `gorm:"column:mac;uniqueIndex;size:17;not null"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for PhysicalModule model.
func (PhysicalModule) TableName() string {
	return "physical_modules"
}

// Location is an optional geographic position of a Module.
type Location struct {
	Lat *float64
	Lng *float64
	Alt *float64
	ID  uint `gorm:"primaryKey"`
}

// TableName specifies the table name for Location model.
func (Location) TableName() string {
	return "locations"
}

// Module is a logical gateway or node bound to a PhysicalModule. A PhysicalModule keeps
// every Module it was ever bound to; the one with the highest ID is current.
// A Module without a GatewayID is a gateway.
type Module struct {
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	Name             *string
	LocationID       *uint
	Location         *Location `gorm:"constraint:OnDelete:SET NULL"`
	GatewayID        *uint     `gorm:"index"`
	Gateway          *Module   `gorm:"foreignKey:GatewayID;constraint:OnDelete:CASCADE"`
	PhysicalModule   PhysicalModule `gorm:"constraint:OnDelete:CASCADE"`
	PhysicalModuleID uint           `gorm:"index;not null"`
	ID               uint           `gorm:"primaryKey"`
}

// TableName specifies the table name for Module model.
func (Module) TableName() string {
	return "modules"
}

// Kind reports whether m is a gateway or a node.
func (m *Module) Kind() Kind {
	if m.GatewayID == nil {
		return KindGateway
	}
	return KindNode
}

// SensorClass groups sensors by what they measure.
type SensorClass struct {
	Desc string `gorm:"uniqueIndex;not null" json:"desc"`
	ID   uint   `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for SensorClass model.
func (SensorClass) TableName() string {
	return "sensor_classes"
}

// Sensor is a catalog entry. Its ID is the sensor id carried on the wire.
type Sensor struct {
	Description   *string      `json:"description"`
	SensorClass   *SensorClass `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name          string       `gorm:"not null" json:"name"`
	Unit          string       `gorm:"not null" json:"unit"`
	Accuracy      float64      `json:"accuracy"`
	SensorClassID uint         `gorm:"not null" json:"sensor_class_id"`
	ID            uint         `gorm:"primaryKey;autoIncrement:false" json:"id"`
}

// TableName specifies the table name for Sensor model.
func (Sensor) TableName() string {
	return "sensors"
}

// Measurement is a single stored reading. It is keyed by (timestamp, node, sensor), so a
// node reports at most one value per sensor per second.
type Measurement struct {
	InsertedAt time.Time `gorm:"autoCreateTime;not null"`
	Node       *Module   `gorm:"foreignKey:NodeID;constraint:OnDelete:CASCADE"`
	Sensor     *Sensor   `gorm:"constraint:OnDelete:CASCADE"`
	Timestamp  int64     `gorm:"primaryKey;autoIncrement:false"`
	Value      float64   `gorm:"not null"`
	NodeID     uint      `gorm:"primaryKey;autoIncrement:false"`
	SensorID   uint      `gorm:"primaryKey;autoIncrement:false"`
}

// TableName specifies the table name for Measurement model.
func (Measurement) TableName() string {
	return "measurements"
}

// Time returns the measurement timestamp in UTC.
func (m *Measurement) Time() time.Time {
	return time.Unix(m.Timestamp, 0).UTC()
}
