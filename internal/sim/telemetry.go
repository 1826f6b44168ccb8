package sim

import (
	"math"
	"math/rand"

	"bustracker/internal/transit"
)

// Telemetry supplies plausible speed and heading values for simulated fixes.
type Telemetry interface {
	Speed(progress float64) float64
	Heading(pos transit.Position) float64
}

const (
	baseSpeedKmh      = 45.0
	speedJitterKmh    = 20.0 // full width of the uniform jitter band
	rampProgressLimit = 0.1
)

// RandomTelemetry jitters speed around 45 km/h, halving the base near both
// ends of the route, and draws heading uniformly. Heading is not derived from
// the direction of travel.
type RandomTelemetry struct {
	rng *rand.Rand
}

func NewRandomTelemetry(rng *rand.Rand) *RandomTelemetry {
	return &RandomTelemetry{rng: rng}
}

func (t *RandomTelemetry) Speed(progress float64) float64 {
	variation := (t.rng.Float64() - 0.5) * speedJitterKmh
	base := baseSpeedKmh
	if progress < rampProgressLimit || progress > 1-rampProgressLimit {
		base *= 0.5
	}
	return math.Max(0, math.Round(base+variation))
}

func (t *RandomTelemetry) Heading(transit.Position) float64 {
	return math.Floor(t.rng.Float64() * 360)
}
