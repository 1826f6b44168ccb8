// Package memstore keeps routes, trips and fixes in process memory. It backs
// the tests and the demo mode used when no database is configured.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"bustracker/internal/transit"
)

type Store struct {
	mu     sync.RWMutex
	routes map[string]*transit.Route
	trips  map[string]*transit.Trip
	fixes  map[string][]transit.Fix // tripID -> fixes in insertion order
}

func New() *Store {
	return &Store{
		routes: make(map[string]*transit.Route),
		trips:  make(map[string]*transit.Trip),
		fixes:  make(map[string][]transit.Fix),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateRoute(_ context.Context, r *transit.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	id := transit.NormalizeRouteID(r.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[id]; ok {
		return fmt.Errorf("route %s already exists: %w", id, transit.ErrInvalidInput)
	}
	c := cloneRoute(r)
	c.ID = id
	s.routes[id] = c
	return nil
}

func (s *Store) GetRoute(_ context.Context, id string) (*transit.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[transit.NormalizeRouteID(id)]
	if !ok {
		return nil, fmt.Errorf("route %s: %w", id, transit.ErrNotFound)
	}
	return cloneRoute(r), nil
}

func (s *Store) CreateTrip(_ context.Context, t *transit.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	routeID := transit.NormalizeRouteID(t.RouteID)
	if _, ok := s.routes[routeID]; !ok {
		return fmt.Errorf("route %s: %w", t.RouteID, transit.ErrNotFound)
	}
	id := transit.NormalizeTripID(t.ID)
	if _, ok := s.trips[id]; ok {
		return fmt.Errorf("trip %s already exists: %w", id, transit.ErrInvalidInput)
	}
	c := cloneTrip(t)
	c.ID = id
	c.RouteID = routeID
	s.trips[id] = c
	return nil
}

func (s *Store) GetTrip(_ context.Context, id string) (*transit.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[transit.NormalizeTripID(id)]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	return cloneTrip(t), nil
}

// ListTrips returns the trips matching f ordered by scheduled start, then id.
func (s *Store) ListTrips(_ context.Context, f transit.TripFilter) ([]*transit.Trip, error) {
	s.mu.RLock()
	out := []*transit.Trip{}
	for _, t := range s.trips {
		if f.Match(t) {
			out = append(out, cloneTrip(t))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ScheduledStart.Before(out[j].ScheduledStart)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateTrip(_ context.Context, id string, upd transit.TripUpdate) error {
	id = transit.NormalizeTripID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	if upd.Status != "" && upd.Status != t.Status {
		if t.Status.Terminal() {
			return fmt.Errorf("trip %s is %s: %w", id, t.Status, transit.ErrAlreadyTerminal)
		}
		if !t.Status.CanTransition(upd.Status) {
			return fmt.Errorf("trip %s: %s -> %s: %w", id, t.Status, upd.Status, transit.ErrInvalidInput)
		}
		t.Status = upd.Status
	}
	if upd.ActualStart != nil {
		v := upd.ActualStart.UTC()
		t.ActualStart = &v
	}
	if upd.ActualEnd != nil {
		v := upd.ActualEnd.UTC()
		t.ActualEnd = &v
	}
	if upd.CurrentStop != nil {
		t.CurrentStop = *upd.CurrentStop
	}
	return nil
}

func (s *Store) UpdateLedgerEntry(_ context.Context, id string, index int, upd transit.LedgerUpdate) (bool, error) {
	id = transit.NormalizeTripID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return false, fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	if index < 0 || index >= len(t.Ledger) {
		return false, fmt.Errorf("trip %s ledger index %d: %w", id, index, transit.ErrNotFound)
	}
	e := &t.Ledger[index]
	if upd.OnlyIfNotPassed && e.HasPassed {
		return false, nil
	}
	if upd.ActualArrival != nil && e.ActualArrival == nil {
		v := upd.ActualArrival.UTC()
		e.ActualArrival = &v
		if upd.DelayMinutes != nil {
			e.DelayMinutes = *upd.DelayMinutes
		}
	}
	if upd.HasPassed {
		e.HasPassed = true
	}
	return true, nil
}

func (s *Store) AppendFix(_ context.Context, f transit.Fix) error {
	if f.TripID == "" {
		return fmt.Errorf("fix without trip: %w", transit.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f.TripID = transit.NormalizeTripID(f.TripID)
	f.Timestamp = f.Timestamp.UTC()
	s.fixes[f.TripID] = append(s.fixes[f.TripID], f)
	return nil
}

// LatestFix returns the fix with the newest timestamp, the later insert
// winning ties, or nil when the trip has none.
func (s *Store) LatestFix(_ context.Context, tripID string) (*transit.Fix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fixes := s.fixes[transit.NormalizeTripID(tripID)]
	if len(fixes) == 0 {
		return nil, nil
	}
	best := 0
	for i := range fixes {
		if !fixes[i].Timestamp.Before(fixes[best].Timestamp) {
			best = i
		}
	}
	f := fixes[best]
	return &f, nil
}

// ListFixes returns up to limit fixes, newest first.
func (s *Store) ListFixes(_ context.Context, tripID string, limit int) ([]transit.Fix, error) {
	tripID = transit.NormalizeTripID(tripID)
	s.mu.RLock()
	out := make([]transit.Fix, len(s.fixes[tripID]))
	copy(out, s.fixes[tripID])
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestTripForBus prefers the latest-scheduled trip that is still open and
// falls back to the latest-scheduled trip of any status.
func (s *Store) LatestTripForBus(_ context.Context, registration string) (*transit.Trip, error) {
	reg := strings.ToUpper(strings.TrimSpace(registration))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open, latest *transit.Trip
	for _, t := range s.trips {
		if t.BusRegistration != reg {
			continue
		}
		if latest == nil || t.ScheduledStart.After(latest.ScheduledStart) {
			latest = t
		}
		if !t.Status.Terminal() && (open == nil || t.ScheduledStart.After(open.ScheduledStart)) {
			open = t
		}
	}
	switch {
	case open != nil:
		return cloneTrip(open), nil
	case latest != nil:
		return cloneTrip(latest), nil
	}
	return nil, fmt.Errorf("bus %s has no trips: %w", reg, transit.ErrNotFound)
}

func cloneRoute(r *transit.Route) *transit.Route {
	c := *r
	c.Stops = append([]transit.Stop(nil), r.Stops...)
	return &c
}

func cloneTrip(t *transit.Trip) *transit.Trip {
	c := *t
	if t.ActualStart != nil {
		v := *t.ActualStart
		c.ActualStart = &v
	}
	if t.ActualEnd != nil {
		v := *t.ActualEnd
		c.ActualEnd = &v
	}
	c.Ledger = make([]transit.LedgerEntry, len(t.Ledger))
	for i, e := range t.Ledger {
		c.Ledger[i] = e
		if e.ActualArrival != nil {
			v := *e.ActualArrival
			c.Ledger[i].ActualArrival = &v
		}
	}
	return &c
}
