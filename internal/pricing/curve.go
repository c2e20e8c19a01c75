// Package pricing turns store occupancy and recent payments into a store cost.
package pricing

import (
	"fmt"
	"math"
)

// Curve shapes the store cost. All fields are tunable from config.
type Curve struct {
	// Floor is the price of an empty store
	Floor uint64 `yaml:"floor" json:"floor"`
	// Ceiling caps the price of a full store
	Ceiling uint64 `yaml:"ceiling" json:"ceiling"`
	// LowWater is the occupancy ratio below which the price stays at Floor
	LowWater float64 `yaml:"low_water" json:"low_water"`
	// Exponent > 1 makes the last slots disproportionately expensive
	Exponent float64 `yaml:"exponent" json:"exponent"`
	// HistoryWeight scales the bucket's recent average price into the quote
	HistoryWeight float64 `yaml:"history_weight" json:"history_weight"`
	// Decay is the EWMA weight given to each new accepted price
	Decay float64 `yaml:"decay" json:"decay"`
}

// DefaultCurve returns the curve used when none is configured.
func DefaultCurve() Curve {
	return Curve{
		Floor:         10,
		Ceiling:       1_000_000,
		LowWater:      0.3,
		Exponent:      3,
		HistoryWeight: 0.1,
		Decay:         0.2,
	}
}

// Validate checks the curve parameters.
func (c Curve) Validate() error {
	if c.Floor == 0 {
		return fmt.Errorf("pricing floor must be positive")
	}
	if c.Ceiling < c.Floor {
		return fmt.Errorf("pricing ceiling %d below floor %d", c.Ceiling, c.Floor)
	}
	if c.LowWater < 0 || c.LowWater >= 1 {
		return fmt.Errorf("pricing low_water must be in [0, 1), got %v", c.LowWater)
	}
	if c.Exponent < 1 {
		return fmt.Errorf("pricing exponent must be >= 1, got %v", c.Exponent)
	}
	if c.HistoryWeight < 0 {
		return fmt.Errorf("pricing history_weight must not be negative")
	}
	if c.Decay <= 0 || c.Decay > 1 {
		return fmt.Errorf("pricing decay must be in (0, 1], got %v", c.Decay)
	}
	return nil
}

// Metrics are the inputs of a price.
type Metrics struct {
	Stored   int
	Capacity int
	// HistoryAvg is the decaying average of accepted prices near the key
	HistoryAvg float64
}

// Occupancy returns Stored/Capacity clamped to [0, 1].
func (m Metrics) Occupancy() float64 {
	if m.Capacity <= 0 {
		return 1
	}
	r := float64(m.Stored) / float64(m.Capacity)
	return math.Max(0, math.Min(1, r))
}

// Price is deterministic in c and m. It never decreases when occupancy or
// the history average grow.
func (c Curve) Price(m Metrics) uint64 {
	r := m.Occupancy()

	x := 0.0
	if r > c.LowWater {
		x = (r - c.LowWater) / (1 - c.LowWater)
	}

	span := float64(c.Ceiling - c.Floor)
	price := float64(c.Floor) + span*math.Pow(x, c.Exponent)
	price += c.HistoryWeight * math.Max(0, m.HistoryAvg) * r

	if price >= float64(c.Ceiling) {
		return c.Ceiling
	}
	return uint64(math.Round(price))
}
