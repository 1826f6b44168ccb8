package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustracker/internal/memstore"
	"bustracker/internal/transit"
)

func TestManager_StartAckAndDuplicate(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams, Seed: 1})
	m.newTicker = blockedTicks
	defer m.Stop()
	ctx := context.Background()

	ack, err := m.Start(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, trip.ID, ack.TripID)
	assert.Equal(t, "R1", ack.RouteID)
	assert.Equal(t, 36, ack.Ticks)
	assert.True(t, ack.VirtualStart.Equal(tripStart))
	assert.True(t, m.Running(trip.ID))
	assert.Equal(t, []string{trip.ID}, m.Active())

	_, err = m.Start(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyRunning)
}

func TestManager_CancelRunningTrip(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams, Seed: 1})
	m.newTicker = blockedTicks
	defer m.Stop()
	ctx := context.Background()

	_, err := m.Start(ctx, trip.ID)
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, trip.ID))

	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCancelled, got.Status)
	require.NotNil(t, got.ActualEnd)
	assert.True(t, got.ActualEnd.Equal(tripStart))

	assert.Eventually(t, func() bool { return !m.Running(trip.ID) }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Cancel(ctx, trip.ID), transit.ErrAlreadyTerminal)

	_, err = m.Start(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyTerminal)
}

func TestManager_CancelScheduledTrip(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams})
	defer m.Stop()
	ctx := context.Background()

	require.NoError(t, m.Cancel(ctx, trip.ID))
	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCancelled, got.Status)

	assert.ErrorIs(t, m.Cancel(ctx, "missing"), transit.ErrNotFound)
}

func TestManager_StartFailureFreesSlot(t *testing.T) {
	store, _ := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams})
	defer m.Stop()

	_, err := m.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, transit.ErrNotFound)
	assert.Empty(t, m.Active())
	assert.False(t, m.Running("missing"))
}

func TestManager_RunsToCompletion(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams, Outcomes: []DelayOutcome{{Probability: 1}}})
	m.newTicker, m.now = manualTicks(36), fixedNow
	ctx := context.Background()

	_, err := m.Start(ctx, trip.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !m.Running(trip.ID) }, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.Ledger[1].DelayMinutes)
}

func TestManager_StopCancelsRuns(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams})
	m.newTicker = blockedTicks
	ctx := context.Background()

	_, err := m.Start(ctx, trip.ID)
	require.NoError(t, err)
	m.Stop()

	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCancelled, got.Status)

	_, err = m.Start(ctx, trip.ID)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_ConcurrentTripsStayApart(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	north := &transit.Route{ID: "R1", Name: "North line", Stops: threeStops()}
	east := &transit.Route{ID: "R2", Name: "East line", Stops: []transit.Stop{
		{Name: "X", Sequence: 1, Position: transit.Position{Lon: 81.0, Lat: 7.0}, OffsetMinutes: 0},
		{Name: "Y", Sequence: 2, Position: transit.Position{Lon: 81.1, Lat: 7.0}, OffsetMinutes: 30},
		{Name: "Z", Sequence: 3, Position: transit.Position{Lon: 81.2, Lat: 7.0}, OffsetMinutes: 60},
	}}
	buses := map[string]string{"T1": "WP-1234", "T2": "WP-5678"}
	for id, route := range map[string]*transit.Route{"T1": north, "T2": east} {
		require.NoError(t, store.CreateRoute(ctx, route))
		trip, err := transit.NewTrip(id, buses[id], route, tripStart, tripStart.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, store.CreateTrip(ctx, trip))
	}

	m := NewManager(store, ManagerConfig{Params: testParams, Outcomes: []DelayOutcome{{Probability: 1}}})
	m.newTicker, m.now = manualTicks(36), fixedNow
	_, err := m.Start(ctx, "T1")
	require.NoError(t, err)
	_, err = m.Start(ctx, "T2")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(m.Active()) == 0 }, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	for id, route := range map[string]*transit.Route{"T1": north, "T2": east} {
		got, err := store.GetTrip(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, transit.StatusCompleted, got.Status, id)
		assert.Equal(t, route.ID, got.RouteID, id)
		assert.Equal(t, route.Stops[2].Name, got.CurrentStop, id)
		require.Len(t, got.Ledger, 3, id)
		for i, entry := range got.Ledger {
			assert.Equal(t, route.Stops[i].Name, entry.StopName, id)
			assert.True(t, entry.HasPassed, id)
		}
		require.NotNil(t, got.Ledger[2].ActualArrival, id)
		assert.True(t, got.Ledger[2].ActualArrival.Equal(tripStart.Add(time.Hour)), id)

		fixes, err := store.ListFixes(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, fixes, 36, id)
		lon := route.Stops[0].Position.Lon
		for _, f := range fixes {
			assert.Equal(t, id, f.TripID)
			assert.Equal(t, buses[id], f.BusRegistration)
			assert.GreaterOrEqual(t, f.Position.Lon, lon-1e-9, id)
			assert.Less(t, f.Position.Lon, lon+0.5, id)
		}
		assert.Equal(t, route.Stops[2].Position, fixes[0].Position, id)
	}
}

func TestManager_ManualLifecycle(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams})
	m.now = func() time.Time { return tripStart.Add(2 * time.Minute) }
	defer m.Stop()
	ctx := context.Background()

	_, err := m.MarkCompleted(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrInvalidInput, "scheduled trips cannot complete")

	got, err := m.MarkStarted(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, transit.StatusInProgress, got.Status)
	require.NotNil(t, got.ActualStart)
	assert.True(t, got.ActualStart.Equal(tripStart.Add(2*time.Minute)))
	assert.Equal(t, "A", got.CurrentStop)

	_, err = m.MarkStarted(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrInvalidInput)

	m.now = func() time.Time { return tripStart.Add(65 * time.Minute) }
	got, err = m.MarkCompleted(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCompleted, got.Status)
	require.NotNil(t, got.ActualEnd)
	assert.True(t, got.ActualEnd.Equal(tripStart.Add(65*time.Minute)))

	_, err = m.MarkCompleted(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyTerminal)
	_, err = m.MarkStarted(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyTerminal)

	_, err = m.MarkStarted(ctx, "missing")
	assert.ErrorIs(t, err, transit.ErrNotFound)
}

func TestManager_ManualLifecycleRefusesSimulatedTrip(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	m := NewManager(store, ManagerConfig{Params: testParams})
	m.newTicker = blockedTicks
	defer m.Stop()
	ctx := context.Background()

	_, err := m.Start(ctx, trip.ID)
	require.NoError(t, err)
	_, err = m.MarkCompleted(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyRunning)
	_, err = m.MarkStarted(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyRunning)

	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusInProgress, got.Status)
}
