package sim

import (
	"context"
	"fmt"
	"log/slog"

	"bustracker/internal/transit"
)

// MarkStarted opens a trip that is fed by real GPS instead of the simulator.
// The trip must still be scheduled; it moves to in-progress now, at its first stop.
func (m *Manager) MarkStarted(ctx context.Context, tripID string) (*transit.Trip, error) {
	tripID = transit.NormalizeTripID(tripID)
	if err := m.notSimulated(tripID); err != nil {
		return nil, err
	}
	trip, err := m.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	switch {
	case trip.Status.Terminal():
		return nil, fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, transit.ErrAlreadyTerminal)
	case trip.Status != transit.StatusScheduled:
		return nil, fmt.Errorf("trip %s is already %s: %w", trip.ID, trip.Status, transit.ErrInvalidInput)
	}

	now := m.now().UTC()
	upd := transit.TripUpdate{Status: transit.StatusInProgress, ActualStart: &now}
	if len(trip.Ledger) > 0 {
		first := trip.Ledger[0].StopName
		upd.CurrentStop = &first
	}
	if err := m.store.UpdateTrip(ctx, trip.ID, upd); err != nil {
		return nil, fmt.Errorf("start trip %s: %w", trip.ID, err)
	}
	slog.Info("trip started", "trip", trip.ID, "bus", trip.BusRegistration)
	return m.store.GetTrip(ctx, trip.ID)
}

// MarkCompleted closes an in-progress trip now. A trip the simulator is still
// driving has to be cancelled or left to finish.
func (m *Manager) MarkCompleted(ctx context.Context, tripID string) (*transit.Trip, error) {
	tripID = transit.NormalizeTripID(tripID)
	if err := m.notSimulated(tripID); err != nil {
		return nil, err
	}
	trip, err := m.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	switch {
	case trip.Status.Terminal():
		return nil, fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, transit.ErrAlreadyTerminal)
	case trip.Status != transit.StatusInProgress:
		return nil, fmt.Errorf("trip %s has not started: %w", trip.ID, transit.ErrInvalidInput)
	}

	now := m.now().UTC()
	if err := m.store.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusCompleted, ActualEnd: &now}); err != nil {
		return nil, fmt.Errorf("complete trip %s: %w", trip.ID, err)
	}
	slog.Info("trip completed", "trip", trip.ID, "bus", trip.BusRegistration)
	return m.store.GetTrip(ctx, trip.ID)
}

func (m *Manager) notSimulated(tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[tripID]; ok {
		return fmt.Errorf("trip %s: %w", tripID, transit.ErrAlreadyRunning)
	}
	return nil
}
