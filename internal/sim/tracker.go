package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bustracker/internal/geo"
	mmetrics "bustracker/internal/metrics"
	"bustracker/internal/transit"
)

// ArrivalRadiusMeters is how close a fix must be to a stop to count as an arrival.
const ArrivalRadiusMeters = 200.0

// LedgerWriter is the slice of the store the tracker mutates.
type LedgerWriter interface {
	UpdateTrip(ctx context.Context, tripID string, upd transit.TripUpdate) error
	UpdateLedgerEntry(ctx context.Context, tripID string, index int, upd transit.LedgerUpdate) (bool, error)
}

type Arrival struct {
	StopName       string
	Index          int
	At             time.Time
	DelayMinutes   int
	DistanceMeters float64
}

// ArrivalTracker detects stop arrivals for one simulation run. The visited
// set lives only as long as the run; the ledger is the durable record.
type ArrivalTracker struct {
	trip    *transit.Trip
	stops   []transit.Stop
	store   LedgerWriter
	radius  float64
	visited map[string]struct{}
	metrics *mmetrics.Collector
}

// NewArrivalTracker takes the trip (for its ledger estimates) and the route's
// stops sorted by sequence.
func NewArrivalTracker(trip *transit.Trip, stops []transit.Stop, store LedgerWriter, metrics *mmetrics.Collector) *ArrivalTracker {
	return &ArrivalTracker{
		trip:    trip,
		stops:   stops,
		store:   store,
		radius:  ArrivalRadiusMeters,
		visited: make(map[string]struct{}, len(stops)),
		metrics: metrics,
	}
}

func visitKey(name string, index int) string {
	return fmt.Sprintf("%s#%d", name, index)
}

// Visited reports whether the stop at index was reached during this run.
func (t *ArrivalTracker) Visited(index int) bool {
	if index < 0 || index >= len(t.stops) {
		return false
	}
	_, ok := t.visited[visitKey(t.stops[index].Name, index)]
	return ok
}

// Check records every not-yet-visited stop within the arrival radius of pos.
// Ledger writes happen before Check returns.
func (t *ArrivalTracker) Check(ctx context.Context, pos transit.Position, at time.Time) ([]Arrival, error) {
	var arrivals []Arrival
	var errs []error
	for i, stop := range t.stops {
		key := visitKey(stop.Name, i)
		if _, seen := t.visited[key]; seen {
			continue
		}
		d := geo.DistanceMeters(pos, stop.Position)
		if d >= t.radius {
			continue
		}
		t.visited[key] = struct{}{}
		arr, ok, err := t.record(ctx, i, stop, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			arr.DistanceMeters = d
			arrivals = append(arrivals, arr)
		}
	}
	return arrivals, errors.Join(errs...)
}

func (t *ArrivalTracker) record(ctx context.Context, index int, stop transit.Stop, at time.Time) (Arrival, bool, error) {
	li := t.trip.LedgerIndex(stop.Name, index)
	if li < 0 {
		slog.Warn("stop has no ledger entry", "trip", t.trip.ID, "stop", stop.Name)
		return Arrival{}, false, nil
	}
	entry := t.trip.Ledger[li]
	delay := transit.RoundMinutes(at.Sub(entry.EstimatedArrival))
	actual := at

	if _, err := t.store.UpdateLedgerEntry(ctx, t.trip.ID, li, transit.LedgerUpdate{
		ActualArrival: &actual,
		DelayMinutes:  &delay,
		HasPassed:     true,
	}); err != nil {
		return Arrival{}, false, fmt.Errorf("record arrival at %s: %w", stop.Name, err)
	}
	name := stop.Name
	if err := t.store.UpdateTrip(ctx, t.trip.ID, transit.TripUpdate{CurrentStop: &name}); err != nil {
		return Arrival{}, false, fmt.Errorf("set current stop %s: %w", stop.Name, err)
	}
	slog.Info("stop arrival", "trip", t.trip.ID, "stop", stop.Name,
		"scheduled", entry.EstimatedArrival.Format(time.RFC3339), "actual", at.Format(time.RFC3339), "delay_min", delay)
	if t.metrics != nil {
		t.metrics.StopArrivals.Inc()
		t.metrics.ArrivalDelay.Observe(float64(delay))
	}

	if err := t.markPreviousPassed(ctx, index); err != nil {
		return Arrival{}, false, err
	}
	return Arrival{StopName: stop.Name, Index: index, At: at, DelayMinutes: delay}, true, nil
}

// markPreviousPassed flags every earlier stop as passed, so a stop whose
// radius fell between two ticks is not left upcoming forever.
func (t *ArrivalTracker) markPreviousPassed(ctx context.Context, index int) error {
	for j := 0; j < index && j < len(t.stops); j++ {
		li := t.trip.LedgerIndex(t.stops[j].Name, j)
		if li < 0 {
			continue
		}
		applied, err := t.store.UpdateLedgerEntry(ctx, t.trip.ID, li, transit.LedgerUpdate{HasPassed: true, OnlyIfNotPassed: true})
		if err != nil {
			return fmt.Errorf("mark %s passed: %w", t.stops[j].Name, err)
		}
		if applied {
			slog.Debug("marked as passed", "trip", t.trip.ID, "stop", t.stops[j].Name)
		}
	}
	return nil
}
