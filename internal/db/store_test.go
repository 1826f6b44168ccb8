package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustracker/internal/transit"
)

// openTestStore connects to TEST_DATABASE_URL; the tests are skipped without it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, EnsureDatabase(ctx, dsn))
	conn, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, Ping(ctx, conn))
	require.NoError(t, EnsureSchema(ctx, conn))
	require.NoError(t, EnsureSchema(ctx, conn), "schema bootstrap is idempotent")
	return NewStore(conn)
}

func TestStore_TripLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	route := &transit.Route{
		ID:   "R-" + suffix,
		Name: "Colombo - Kandy",
		Stops: []transit.Stop{
			{Name: "B", Sequence: 2, Position: transit.Position{Lon: 80.0, Lat: 7.1}, OffsetMinutes: 30},
			{Name: "A", Sequence: 1, Position: transit.Position{Lon: 80.0, Lat: 7.0}},
		},
	}
	require.NoError(t, s.CreateRoute(ctx, route))
	assert.ErrorIs(t, s.CreateRoute(ctx, route), transit.ErrInvalidInput)

	got, err := s.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, got.Stops, 2)
	assert.Equal(t, "A", got.Stops[0].Name)

	lower, err := s.GetRoute(ctx, strings.ToLower(route.ID))
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(route.ID), lower.ID)

	trip, err := transit.NewTrip("t-"+suffix, "WP-1234", route, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.CreateTrip(ctx, trip))

	require.NoError(t, s.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusInProgress, ActualStart: &start}))
	at := start.Add(32 * time.Minute)
	delay := 2
	ok, err := s.UpdateLedgerEntry(ctx, trip.ID, 1, transit.LedgerUpdate{ActualArrival: &at, DelayMinutes: &delay, HasPassed: true})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UpdateLedgerEntry(ctx, trip.ID, 1, transit.LedgerUpdate{HasPassed: true, OnlyIfNotPassed: true})
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.UpdateLedgerEntry(ctx, trip.ID, 9, transit.LedgerUpdate{HasPassed: true})
	assert.ErrorIs(t, err, transit.ErrNotFound)

	fix, err := s.LatestFix(ctx, trip.ID)
	require.NoError(t, err)
	assert.Nil(t, fix)
	require.NoError(t, s.AppendFix(ctx, transit.Fix{
		ID: uuid.NewString(), TripID: trip.ID, BusRegistration: "WP-1234", Timestamp: at,
		Position: transit.Position{Lon: 80.0, Lat: 7.1}, Movement: transit.MovementMoving, Source: transit.SourceSimulation,
	}))
	fix, err = s.LatestFix(ctx, trip.ID)
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.True(t, fix.Timestamp.Equal(at))

	listed, err := s.ListTrips(ctx, transit.TripFilter{
		RouteID:  strings.ToLower(route.ID),
		Statuses: []transit.Status{transit.StatusInProgress},
		From:     start.Add(-time.Hour),
		To:       start.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, trip.ID, listed[0].ID)
	assert.Len(t, listed[0].Ledger, 2)

	none, err := s.ListTrips(ctx, transit.TripFilter{RouteID: route.ID, Statuses: []transit.Status{transit.StatusCompleted}})
	require.NoError(t, err)
	assert.Empty(t, none)

	end := start.Add(time.Hour)
	require.NoError(t, s.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusCompleted, ActualEnd: &end}))
	assert.ErrorIs(t, s.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusCancelled}), transit.ErrAlreadyTerminal)

	loaded, err := s.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCompleted, loaded.Status)
	require.Len(t, loaded.Ledger, 2)
	assert.True(t, loaded.Ledger[1].HasPassed)
	assert.Equal(t, 2, loaded.Ledger[1].DelayMinutes)
	require.NotNil(t, loaded.Ledger[1].ActualArrival)
	assert.True(t, loaded.Ledger[1].ActualArrival.Equal(at))
}
