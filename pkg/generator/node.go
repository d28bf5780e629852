// Package generator produces plausible gateway identities and sensor frames for the
// gateway simulator.
package generator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/macaddr"
)

// Sensor ids as reported by the node firmware.
const (
	SensorBattery         uint8 = 1
	SensorSoilTemperature uint8 = 3
	SensorAirTemperature  uint8 = 12
	SensorHumidity        uint8 = 13
	SensorLight           uint8 = 22
)

// Site describes where a simulated gateway is deployed.
type Site struct {
	Name      string  `fake:"{city}"`
	Latitude  float64 `fake:"{latitude}"`
	Longitude float64 `fake:"{longitude}"`
}

// NewAddress returns a random hardware address.
func NewAddress() (macaddr.Address, error) {
	addr, err := macaddr.Parse(gofakeit.MacAddress())
	if err != nil {
		return addr, fmt.Errorf("failed to generate address: %w", err)
	}
	return addr, nil
}

// NewSite returns a random deployment site.
func NewSite() (*Site, error) {
	var site Site
	if err := gofakeit.Struct(&site); err != nil {
		return nil, fmt.Errorf("failed to generate site: %w", err)
	}
	return &site, nil
}

// NodeGenerator generates correlated readings for one sensor node.
type NodeGenerator struct {
	started          time.Time
	baselineTemp     float64
	baselineHumidity float64
	baselineSoil     float64
	noise            float64
	batteryCapacity  float64
	soilProbes       int
}

// NewNodeGenerator creates a generator with randomized baselines. soilProbes is the
// number of soil temperature probes the node carries.
// Note: Uses math/rand which is acceptable for simulation data.
func NewNodeGenerator(soilProbes int) *NodeGenerator {
	return &NodeGenerator{
		started:          time.Now(),
		baselineTemp:     12.0 + rand.Float64()*10, // #nosec G404 - 12-22°C
		baselineHumidity: 55.0 + rand.Float64()*20, // #nosec G404 - 55-75%
		baselineSoil:     8.0 + rand.Float64()*6,   // #nosec G404 - 8-14°C
		noise:            rand.Float64() * 1.5,     // #nosec G404
		batteryCapacity:  3.3 + rand.Float64()*0.9, // #nosec G404 - 3.3-4.2 V
		soilProbes:       soilProbes,
	}
}

// AirTemperature with daily pattern, peaking mid-afternoon.
func (g *NodeGenerator) AirTemperature(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 5 * math.Sin((hour-9)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise // #nosec G404

	// Occasional anomalies (3% chance)
	anomaly := 0.0
	if rand.Float64() < 0.03 { // #nosec G404
		anomaly = (rand.Float64() - 0.5) * 10 // #nosec G404
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// Humidity with inverse temperature correlation.
func (g *NodeGenerator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	dailyCycle := -3 * math.Sin((hour-9)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (rand.Float64() - 0.5) * g.noise * 0.5 // #nosec G404

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise
	return math.Max(20, math.Min(100, humidity))
}

// SoilTemperature lags the air temperature and swings much less.
func (g *NodeGenerator) SoilTemperature(t time.Time, probe int) float64 {
	hour := float64(t.Hour())
	dailyCycle := 1.2 * math.Sin((hour-13)*math.Pi/12)
	depthOffset := -0.8 * float64(probe)
	return g.baselineSoil + dailyCycle + depthOffset + (rand.Float64()-0.5)*0.2 // #nosec G404
}

// Light in lux, zero at night.
func (g *NodeGenerator) Light(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	if hour < 6 || hour > 20 {
		return 0
	}
	daylight := math.Sin((hour - 6) * math.Pi / 14)
	clouds := 0.4 + rand.Float64()*0.6 // #nosec G404
	return math.Round(40000 * daylight * clouds)
}

// Battery drains linearly from the node's capacity over about 30 days.
func (g *NodeGenerator) Battery(t time.Time) float64 {
	days := t.Sub(g.started).Hours() / 24
	voltage := g.batteryCapacity - days*0.03
	return math.Max(2.8, voltage)
}

// Frame generates one sensor frame as sent by the node at t.
func (g *NodeGenerator) Frame(source macaddr.Address, t time.Time) wire.Message {
	temperature := g.AirTemperature(t)

	readings := []wire.Reading{
		{SensorID: SensorBattery, Value: round32(g.Battery(t), 100)},
		{SensorID: SensorAirTemperature, Value: round32(temperature, 100)},
		{SensorID: SensorHumidity, Value: round32(g.Humidity(t, temperature), 100)},
		{SensorID: SensorLight, Value: round32(g.Light(t), 1)},
	}
	for probe := range g.soilProbes {
		readings = append(readings, wire.Reading{
			SensorID: SensorSoilTemperature,
			Value:    round32(g.SoilTemperature(t, probe), 100),
		})
	}
	wire.TagInstances(readings)

	return wire.Message{
		Source:    source,
		Timestamp: uint32(t.Unix()), // #nosec G115 - valid until 2106
		Readings:  readings,
	}
}

func round32(v, scale float64) float32 {
	return float32(math.Round(v*scale) / scale)
}
