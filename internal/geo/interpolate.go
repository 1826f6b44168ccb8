package geo

import (
	"fmt"
	"math"
	"strings"

	"bustracker/internal/transit"
)

// Strategy selects how a progress fraction is spread across route segments.
type Strategy int

const (
	// EqualWeighted gives every inter-stop segment the same share of progress,
	// regardless of distance or scheduled time between the stops.
	EqualWeighted Strategy = iota
	// OffsetWeighted gives each segment a share proportional to the gap between
	// its stops' scheduled offsets.
	OffsetWeighted
)

func (s Strategy) String() string {
	if s == OffsetWeighted {
		return "offset"
	}
	return "equal"
}

func ParseStrategy(v string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "equal":
		return EqualWeighted, nil
	case "offset":
		return OffsetWeighted, nil
	}
	return EqualWeighted, fmt.Errorf("unknown interpolation strategy %q", v)
}

// Interpolate maps p in [0,1] to a point on the polyline through stops,
// which must already be sorted by sequence. The second result is the index
// of the lower bounding stop. An empty stop list yields the zero position and -1.
func (s Strategy) Interpolate(stops []transit.Stop, p float64) (transit.Position, int) {
	n := len(stops)
	if n == 0 {
		return transit.Position{}, -1
	}
	if p <= 0 || n == 1 {
		return stops[0].Position, 0
	}
	if p >= 1 {
		return stops[n-1].Position, n - 1
	}
	x := p * float64(n-1)
	if s == OffsetWeighted {
		if ox, ok := offsetCoordinate(stops, p); ok {
			x = ox
		}
	}
	i := int(math.Floor(x))
	if i >= n-1 {
		return stops[n-1].Position, n - 1
	}
	return Lerp(stops[i].Position, stops[i+1].Position, x-float64(i)), i
}

// Interpolate uses the equal-weighted strategy.
func Interpolate(stops []transit.Stop, p float64) transit.Position {
	pos, _ := EqualWeighted.Interpolate(stops, p)
	return pos
}

// offsetCoordinate converts p into the same fractional stop-space coordinate
// the equal-weighted path uses, but measured in scheduled minutes. A route
// whose offsets do not grow cannot be weighted this way.
func offsetCoordinate(stops []transit.Stop, p float64) (float64, bool) {
	first := float64(stops[0].OffsetMinutes)
	total := float64(stops[len(stops)-1].OffsetMinutes) - first
	if total <= 0 {
		return 0, false
	}
	target := first + p*total
	for i := 0; i < len(stops)-1; i++ {
		a := float64(stops[i].OffsetMinutes)
		b := float64(stops[i+1].OffsetMinutes)
		if target > b {
			continue
		}
		if b == a {
			return float64(i + 1), true
		}
		return float64(i) + (target-a)/(b-a), true
	}
	return float64(len(stops) - 1), true
}
