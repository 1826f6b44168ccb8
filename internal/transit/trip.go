package transit

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

var registrationPattern = regexp.MustCompile(`^[A-Z]{2,3}-[0-9]{4}$`)

// NormalizeRegistration upper-cases a bus registration and checks its format (e.g. WP-1234).
func NormalizeRegistration(reg string) (string, error) {
	reg = strings.ToUpper(strings.TrimSpace(reg))
	if !registrationPattern.MatchString(reg) {
		return "", fmt.Errorf("registration %q: expected format like WP-1234: %w", reg, ErrInvalidInput)
	}
	return reg, nil
}

// NormalizeTripID is the canonical form trip ids are stored and looked up under.
func NormalizeTripID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NormalizeRouteID is the canonical form route ids are stored and looked up under.
func NormalizeRouteID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NewTrip builds a scheduled trip for route with one ledger entry per stop,
// in sequence order, each estimated at start plus the stop's offset.
func NewTrip(id, registration string, route *Route, start, end time.Time) (*Trip, error) {
	id = NormalizeTripID(id)
	if id == "" {
		return nil, fmt.Errorf("trip id is required: %w", ErrInvalidInput)
	}
	if route == nil {
		return nil, fmt.Errorf("route is required: %w", ErrInvalidInput)
	}
	reg, err := NormalizeRegistration(registration)
	if err != nil {
		return nil, err
	}
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("scheduled start and end are required: %w", ErrInvalidInput)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("scheduled end %s is not after start %s: %w", end.Format(time.RFC3339), start.Format(time.RFC3339), ErrInvalidInput)
	}
	return &Trip{
		ID:              id,
		RouteID:         NormalizeRouteID(route.ID),
		BusRegistration: reg,
		ScheduledStart:  start.UTC(),
		ScheduledEnd:    end.UTC(),
		Status:          StatusScheduled,
		Ledger:          BuildLedger(route, start),
	}, nil
}

// BuildLedger derives the stop-arrival ledger from the route's offsets.
func BuildLedger(route *Route, start time.Time) []LedgerEntry {
	stops := route.SortedStops()
	ledger := make([]LedgerEntry, len(stops))
	for i, s := range stops {
		ledger[i] = LedgerEntry{
			StopName:         s.Name,
			EstimatedArrival: start.Add(time.Duration(s.OffsetMinutes) * time.Minute).UTC(),
		}
	}
	return ledger
}

// Validate checks the route invariants: stop sequences form 1..N, offsets
// never decrease along the sequence, names are unique and coordinates valid.
func (r *Route) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("route id is required: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("route name is required: %w", ErrInvalidInput)
	}
	stops := r.SortedStops()
	names := make(map[string]struct{}, len(stops))
	for i, s := range stops {
		if s.Sequence != i+1 {
			return fmt.Errorf("stop %q: sequence %d, want %d: %w", s.Name, s.Sequence, i+1, ErrInvalidInput)
		}
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stop %d: name is required: %w", s.Sequence, ErrInvalidInput)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("stop %q: duplicate name: %w", s.Name, ErrInvalidInput)
		}
		names[s.Name] = struct{}{}
		if i > 0 && s.OffsetMinutes < stops[i-1].OffsetMinutes {
			return fmt.Errorf("stop %q: offset %d before previous stop's %d: %w", s.Name, s.OffsetMinutes, stops[i-1].OffsetMinutes, ErrInvalidInput)
		}
		if s.OffsetMinutes < 0 {
			return fmt.Errorf("stop %q: negative offset: %w", s.Name, ErrInvalidInput)
		}
		if err := s.Position.Validate(); err != nil {
			return fmt.Errorf("stop %q: %w", s.Name, err)
		}
	}
	return nil
}

func (p Position) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]: %w", p.Lat, ErrInvalidInput)
	}
	if math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]: %w", p.Lon, ErrInvalidInput)
	}
	return nil
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lon, p.Lat})
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("coordinates: %w", ErrInvalidInput)
	}
	if len(pair) != 2 {
		return fmt.Errorf("coordinates: want [lon, lat], got %d values: %w", len(pair), ErrInvalidInput)
	}
	p.Lon, p.Lat = pair[0], pair[1]
	return nil
}

// RoundMinutes converts d to whole minutes, rounding halves up.
func RoundMinutes(d time.Duration) int {
	return int(math.Floor(d.Minutes() + 0.5))
}
