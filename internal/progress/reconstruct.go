// Package progress answers "where is the bus now and when will it reach each
// remaining stop" from a trip's ledger and its latest fix.
package progress

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"bustracker/internal/geo"
	"bustracker/internal/transit"
)

const (
	// AtStopMeters is the radius within which the bus is reported as at a stop.
	AtStopMeters = 200.0
	// DefaultSpeedKmh is used for ETAs when the fix carries no speed.
	DefaultSpeedKmh = 50.0
)

type Source string

const (
	SourceGPS        Source = "gps"
	SourceRouteStart Source = "route-start"
)

type Location struct {
	Description    string           `json:"description"`
	Position       transit.Position `json:"coordinates"`
	Source         Source           `json:"source"`
	NearestStop    string           `json:"nearestStop,omitempty"`
	DistanceMeters float64          `json:"distanceMeters"`
	AtStop         bool             `json:"atStop"`
	SpeedKmh       int              `json:"speed"`
	Timestamp      time.Time        `json:"timestamp"`
}

type UpcomingStop struct {
	StopName         string    `json:"stopName"`
	Sequence         int       `json:"sequence,omitempty"`
	ScheduledArrival time.Time `json:"scheduledArrival"`
	EstimatedArrival time.Time `json:"estimatedArrival"`
	DelayMinutes     int       `json:"delayMinutes"`
	Status           string    `json:"status"`
}

type RouteInfo struct {
	RouteID        string `json:"routeId"`
	RouteName      string `json:"routeName"`
	TotalStops     int    `json:"totalStops"`
	RemainingStops int    `json:"remainingStops"`
}

// Report is the rider-facing view of a trip. Terminal trips carry only the
// summary fields.
type Report struct {
	TripID          string         `json:"tripId"`
	BusRegistration string         `json:"registrationNumber"`
	Status          transit.Status `json:"status"`
	Message         string         `json:"message,omitempty"`
	EndedAt         *time.Time     `json:"completedAt,omitempty"`
	CurrentLocation *Location      `json:"currentLocation,omitempty"`
	UpcomingStops   []UpcomingStop `json:"upcomingStops"`
	Route           *RouteInfo     `json:"routeInfo,omitempty"`
}

// Classify renders a delay in minutes for riders.
func Classify(delayMinutes int) string {
	switch {
	case delayMinutes > 0:
		return fmt.Sprintf("delayed by %d minutes", delayMinutes)
	case delayMinutes < 0:
		return fmt.Sprintf("early by %d minutes", -delayMinutes)
	default:
		return "on time"
	}
}

// Reconstruct builds the report for trip from its latest fix, which may be
// nil. now stands in for the fix timestamp when there is no fix. It never
// writes anything.
func Reconstruct(trip *transit.Trip, route *transit.Route, fix *transit.Fix, now time.Time) *Report {
	r := &Report{
		TripID:          trip.ID,
		BusRegistration: trip.BusRegistration,
		Status:          trip.Status,
	}
	switch trip.Status {
	case transit.StatusCompleted:
		r.Message = "Trip has been completed"
		r.EndedAt = endedAt(trip)
		return r
	case transit.StatusCancelled:
		r.Message = "Trip was cancelled"
		r.EndedAt = endedAt(trip)
		return r
	}

	stops := route.SortedStops()
	loc := &Location{Source: SourceRouteStart, Timestamp: now.UTC(), DistanceMeters: -1}
	speed := DefaultSpeedKmh
	if fix != nil {
		loc.Source = SourceGPS
		loc.Position = fix.Position
		loc.Timestamp = fix.Timestamp.UTC()
		if fix.SpeedKmh > 0 {
			speed = fix.SpeedKmh
		}
	} else if len(stops) > 0 {
		loc.Position = stops[0].Position
	}
	loc.SpeedKmh = int(math.Floor(speed + 0.5))

	closest := -1
	for i, s := range stops {
		d := geo.DistanceMeters(loc.Position, s.Position)
		if closest < 0 || d < loc.DistanceMeters {
			closest, loc.DistanceMeters = i, d
		}
	}
	if closest >= 0 {
		loc.NearestStop = stops[closest].Name
		loc.AtStop = loc.DistanceMeters <= AtStopMeters
		if loc.AtStop {
			loc.Description = "At " + loc.NearestStop
		} else {
			loc.Description = fmt.Sprintf("%s km from %s", formatKm(roundKm(loc.DistanceMeters)), loc.NearestStop)
		}
	} else {
		loc.DistanceMeters = 0
		loc.Description = "Route has no stops"
	}
	r.CurrentLocation = loc

	// A bus sitting at a stop has reached it, unless it has not set off yet.
	from := closest
	if loc.AtStop && loc.Source == SourceGPS {
		from = closest + 1
	}

	r.UpcomingStops = []UpcomingStop{}
	for li, entry := range trip.Ledger {
		if entry.HasPassed {
			continue
		}
		si := stopIndex(stops, entry.StopName, li)
		if si < from {
			continue
		}
		r.UpcomingStops = append(r.UpcomingStops, upcoming(entry, stops, si, loc, speed))
	}
	// ledger order is route order
	r.Route = &RouteInfo{
		RouteID:        route.ID,
		RouteName:      route.Name,
		TotalStops:     len(stops),
		RemainingStops: len(r.UpcomingStops),
	}
	return r
}

func upcoming(entry transit.LedgerEntry, stops []transit.Stop, si int, loc *Location, speed float64) UpcomingStop {
	u := UpcomingStop{
		StopName:         entry.StopName,
		ScheduledArrival: entry.EstimatedArrival.UTC(),
		EstimatedArrival: entry.EstimatedArrival.UTC(),
	}
	if si < 0 {
		u.Status = Classify(0)
		return u
	}
	stop := stops[si]
	u.Sequence = stop.Sequence
	km := roundKm(geo.DistanceMeters(loc.Position, stop.Position))
	travel := time.Duration(math.Floor(km/speed*60+0.5)) * time.Minute
	u.EstimatedArrival = loc.Timestamp.Add(travel)
	if entry.ActualArrival != nil {
		u.DelayMinutes = transit.RoundMinutes(entry.ActualArrival.Sub(entry.EstimatedArrival))
	} else {
		u.DelayMinutes = transit.RoundMinutes(u.EstimatedArrival.Sub(entry.EstimatedArrival))
	}
	u.Status = Classify(u.DelayMinutes)
	return u
}

// stopIndex finds the route index of a ledger entry, trying the matching
// position first.
func stopIndex(stops []transit.Stop, name string, hint int) int {
	if hint < len(stops) && stops[hint].Name == name {
		return hint
	}
	for i, s := range stops {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func roundKm(meters float64) float64 {
	return math.Floor(meters/100+0.5) / 10
}

func formatKm(km float64) string {
	return strconv.FormatFloat(km, 'f', -1, 64)
}

func endedAt(trip *transit.Trip) *time.Time {
	if trip.ActualEnd != nil {
		v := trip.ActualEnd.UTC()
		return &v
	}
	if trip.Status == transit.StatusCompleted {
		v := trip.ScheduledEnd.UTC()
		return &v
	}
	return nil
}
