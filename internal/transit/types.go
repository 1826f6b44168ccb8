package transit

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Position is a WGS84 point. JSON encodes it as [lon, lat].
type Position struct {
	Lon float64
	Lat float64
}

type Stop struct {
	Name          string   `json:"name"`
	Sequence      int      `json:"sequence"`
	Position      Position `json:"coordinates"`
	OffsetMinutes int      `json:"estimatedArrivalOffset"` // minutes from trip start
}

type Endpoint struct {
	City     string `json:"city,omitempty"`
	Terminal string `json:"terminal,omitempty"`
}

type Route struct {
	ID              string   `json:"routeId"`
	Name            string   `json:"name"`
	Origin          Endpoint `json:"origin"`
	Destination     Endpoint `json:"destination"`
	DistanceKm      float64  `json:"distance"`
	DurationMinutes int      `json:"estimatedDuration"`
	Stops           []Stop   `json:"stops"`
}

// SortedStops returns a copy of the stops ordered by sequence number.
func (r *Route) SortedStops() []Stop {
	out := make([]Stop, len(r.Stops))
	copy(out, r.Stops)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether a trip in status s may move to next.
// in-progress -> in-progress is allowed so a run lost to a crash can be restarted.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusScheduled:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusInProgress || next == StatusCompleted || next == StatusCancelled
	default:
		return false
	}
}

type LedgerEntry struct {
	StopName         string     `json:"stopName"`
	EstimatedArrival time.Time  `json:"estimatedArrival"`
	ActualArrival    *time.Time `json:"actualArrival,omitempty"`
	DelayMinutes     int        `json:"delayMinutes"`
	HasPassed        bool       `json:"hasPassed"`
}

type Trip struct {
	ID              string        `json:"tripId"`
	RouteID         string        `json:"routeId"`
	BusRegistration string        `json:"registrationNumber"`
	ScheduledStart  time.Time     `json:"scheduledStartTime"`
	ScheduledEnd    time.Time     `json:"scheduledEndTime"`
	ActualStart     *time.Time    `json:"actualStartTime,omitempty"`
	ActualEnd       *time.Time    `json:"actualEndTime,omitempty"`
	Status          Status        `json:"status"`
	CurrentStop     string        `json:"currentStop,omitempty"`
	Ledger          []LedgerEntry `json:"stopArrivals"`
}

// LedgerIndex resolves a stop name to its ledger position. hint is the
// route index the caller expects; it wins when the names agree, which keeps
// duplicate stop names at different sequence positions apart.
func (t *Trip) LedgerIndex(stopName string, hint int) int {
	if hint >= 0 && hint < len(t.Ledger) && t.Ledger[hint].StopName == stopName {
		return hint
	}
	for i, e := range t.Ledger {
		if e.StopName == stopName {
			return i
		}
	}
	return -1
}

// TripUpdate carries the fields of a status write. Zero/nil fields are left untouched.
type TripUpdate struct {
	Status      Status
	ActualStart *time.Time
	ActualEnd   *time.Time
	CurrentStop *string
}

// TripFilter selects trips for listing. Zero fields match everything; From
// and To bound the scheduled start as [From, To).
type TripFilter struct {
	RouteID  string
	Statuses []Status
	From     time.Time
	To       time.Time
	Limit    int
}

// Match reports whether t passes every set field of f.
func (f TripFilter) Match(t *Trip) bool {
	if f.RouteID != "" && t.RouteID != NormalizeRouteID(f.RouteID) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			ok = ok || s == t.Status
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && t.ScheduledStart.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.ScheduledStart.Before(f.To) {
		return false
	}
	return true
}

// ParseStatus accepts the wire names of the trip statuses.
func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("status %q: %w", v, ErrInvalidInput)
}

// LedgerUpdate is a single-entry ledger write.
type LedgerUpdate struct {
	ActualArrival   *time.Time // only applied when the entry has none yet
	DelayMinutes    *int
	HasPassed       bool
	OnlyIfNotPassed bool // skip the write when the entry is already passed
}

type Movement string

const (
	MovementMoving  Movement = "moving"
	MovementStopped Movement = "stopped"
)

type Source string

const (
	SourceGPS        Source = "gps"
	SourceSimulation Source = "simulation"
	SourceManual     Source = "manual"
)

// Fix is one timestamped position sample. Fixes are append-only.
type Fix struct {
	ID              string    `json:"id"`
	BusRegistration string    `json:"registrationNumber"`
	TripID          string    `json:"tripId"`
	Timestamp       time.Time `json:"timestamp"`
	Position        Position  `json:"coordinates"`
	SpeedKmh        float64   `json:"speed"`
	Heading         float64   `json:"heading"`
	Movement        Movement  `json:"status"`
	Source          Source    `json:"source"`
}
