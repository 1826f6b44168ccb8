package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustracker/internal/geo"
	"bustracker/internal/transit"
)

func TestArrivalTracker_RecordsNearbyStopAndPassesEarlierOnes(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	ctx := context.Background()
	stops := threeStops()
	tr := NewArrivalTracker(trip, stops, store, nil)

	// ~150 m north of B
	pos := transit.Position{Lon: stops[1].Position.Lon, Lat: stops[1].Position.Lat + 0.00135}
	require.InDelta(t, 150, geo.DistanceMeters(pos, stops[1].Position), 2)
	at := tripStart.Add(32 * time.Minute)

	arrivals, err := tr.Check(ctx, pos, at)
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, "B", arrivals[0].StopName)
	assert.Equal(t, 1, arrivals[0].Index)
	assert.Equal(t, 2, arrivals[0].DelayMinutes)
	assert.True(t, tr.Visited(1))
	assert.False(t, tr.Visited(0))

	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", got.CurrentStop)
	assert.True(t, got.Ledger[0].HasPassed)
	assert.Nil(t, got.Ledger[0].ActualArrival)
	require.NotNil(t, got.Ledger[1].ActualArrival)
	assert.True(t, got.Ledger[1].ActualArrival.Equal(at))
	assert.Equal(t, 2, got.Ledger[1].DelayMinutes)
	assert.False(t, got.Ledger[2].HasPassed)

	// a second fix near B is ignored
	arrivals, err = tr.Check(ctx, stops[1].Position, at.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, arrivals)
	got, err = store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.True(t, got.Ledger[1].ActualArrival.Equal(at))
	assert.Equal(t, 2, got.Ledger[1].DelayMinutes)
}

func TestArrivalTracker_FarFromStopsRecordsNothing(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	tr := NewArrivalTracker(trip, threeStops(), store, nil)

	arrivals, err := tr.Check(context.Background(), transit.Position{Lon: 80.0, Lat: 7.05}, tripStart)
	require.NoError(t, err)
	assert.Empty(t, arrivals)

	got, err := store.GetTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	for _, e := range got.Ledger {
		assert.False(t, e.HasPassed, e.StopName)
	}
}

func TestArrivalTracker_EarlyArrivalHasNegativeDelay(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	tr := NewArrivalTracker(trip, threeStops(), store, nil)

	arrivals, err := tr.Check(context.Background(), threeStops()[2].Position, tripStart.Add(59*time.Minute))
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, -1, arrivals[0].DelayMinutes)

	got, err := store.GetTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	assert.True(t, got.Ledger[0].HasPassed)
	assert.True(t, got.Ledger[1].HasPassed)
	assert.Nil(t, got.Ledger[1].ActualArrival)
}
