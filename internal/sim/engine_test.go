package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustracker/internal/memstore"
	"bustracker/internal/transit"
)

var tripStart = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// Three stops roughly 11 km apart on a north-south line, offsets 0/30/60.
func threeStops() []transit.Stop {
	return []transit.Stop{
		{Name: "A", Sequence: 1, Position: transit.Position{Lon: 80.0, Lat: 7.0}, OffsetMinutes: 0},
		{Name: "B", Sequence: 2, Position: transit.Position{Lon: 80.0, Lat: 7.1}, OffsetMinutes: 30},
		{Name: "C", Sequence: 3, Position: transit.Position{Lon: 80.0, Lat: 7.2}, OffsetMinutes: 60},
	}
}

func seedTrip(t *testing.T, stops []transit.Stop) (*memstore.Store, *transit.Trip) {
	t.Helper()
	s := memstore.New()
	route := &transit.Route{ID: "R1", Name: "North line", Stops: stops}
	require.NoError(t, s.CreateRoute(context.Background(), route))
	trip, err := transit.NewTrip("T1", "WP-1234", route, tripStart, tripStart.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.CreateTrip(context.Background(), trip))
	return s, trip
}

// Window/TickInterval gives 36 ticks; the hour-long interval keeps the hard
// deadline out of reach while ticks come from a pre-filled channel.
var testParams = Params{
	TickInterval:         time.Hour,
	Window:               36 * time.Hour,
	CompletionRetryDelay: time.Millisecond,
}

// tickBase is the run clock's start in tests driven by manualTicks.
var tickBase = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return tickBase }

// manualTicks pre-fills n ticks stamped tickBase+d, tickBase+2d, ...
func manualTicks(n int) func(time.Duration) (<-chan time.Time, func()) {
	return func(d time.Duration) (<-chan time.Time, func()) {
		ch := make(chan time.Time, n)
		for i := 0; i < n; i++ {
			ch <- tickBase.Add(time.Duration(i+1) * d)
		}
		return ch, func() {}
	}
}

func blockedTicks(time.Duration) (<-chan time.Time, func()) {
	return make(chan time.Time), func() {}
}

type recordingPublisher struct {
	mu    sync.Mutex
	fixes []transit.Fix
}

func (p *recordingPublisher) PublishFix(f transit.Fix) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixes = append(p.fixes, f)
	return errors.New("broker down")
}

func TestEngine_FullRunCompletesTrip(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	pub := &recordingPublisher{}
	e := NewEngine(trip.ID, store, EngineConfig{Params: testParams, Publisher: pub})
	e.newTicker, e.now = manualTicks(36), fixedNow
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx))
	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusInProgress, got.Status)
	require.NotNil(t, got.ActualStart)
	assert.True(t, got.ActualStart.Equal(tripStart))
	assert.Equal(t, "A", got.CurrentStop)

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, StateCompleted, e.State())

	got, err = store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCompleted, got.Status)
	require.NotNil(t, got.ActualEnd)
	assert.True(t, got.ActualEnd.Equal(tripStart.Add(time.Hour)))
	assert.Equal(t, "C", got.CurrentStop)

	// A is never within 200 m of a fix but is passed once B is reached.
	assert.True(t, got.Ledger[0].HasPassed)
	assert.Nil(t, got.Ledger[0].ActualArrival)
	for i, want := range []time.Time{tripStart.Add(30 * time.Minute), tripStart.Add(time.Hour)} {
		entry := got.Ledger[i+1]
		assert.True(t, entry.HasPassed, entry.StopName)
		require.NotNil(t, entry.ActualArrival, entry.StopName)
		assert.True(t, entry.ActualArrival.Equal(want), entry.StopName)
		assert.Equal(t, 0, entry.DelayMinutes, entry.StopName)
	}

	fixes, err := store.ListFixes(ctx, trip.ID, 0)
	require.NoError(t, err)
	require.Len(t, fixes, 36)
	last := fixes[0]
	assert.Equal(t, threeStops()[2].Position, last.Position)
	assert.Equal(t, transit.MovementStopped, last.Movement)
	assert.Equal(t, transit.SourceSimulation, last.Source)
	assert.NotEmpty(t, last.ID)

	// publish failures never fail ticks
	assert.Len(t, pub.fixes, 36)
}

func TestEngine_MidpointTickLandsOnMiddleStop(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	e := NewEngine(trip.ID, store, EngineConfig{Params: testParams})
	ctx := context.Background()
	require.NoError(t, e.Prepare(ctx))

	fix, err := e.Tick(ctx, 18*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, threeStops()[1].Position, fix.Position)
	assert.True(t, fix.Timestamp.Equal(tripStart.Add(30*time.Minute)))
	assert.Equal(t, transit.MovementMoving, fix.Movement)
	assert.Equal(t, "T1", fix.TripID)
	assert.Equal(t, "WP-1234", fix.BusRegistration)
}

func TestEngine_PrepareRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("missing trip", func(t *testing.T) {
		store, _ := seedTrip(t, threeStops())
		err := NewEngine("NOPE", store, EngineConfig{}).Prepare(ctx)
		assert.ErrorIs(t, err, transit.ErrNotFound)
	})

	t.Run("completed trip", func(t *testing.T) {
		store, trip := seedTrip(t, threeStops())
		require.NoError(t, store.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusInProgress}))
		require.NoError(t, store.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusCompleted}))

		err := NewEngine(trip.ID, store, EngineConfig{}).Prepare(ctx)
		assert.ErrorIs(t, err, transit.ErrAlreadyTerminal)

		fixes, err := store.ListFixes(ctx, trip.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, fixes)
	})

	t.Run("route without stops", func(t *testing.T) {
		store, trip := seedTrip(t, nil)
		err := NewEngine(trip.ID, store, EngineConfig{}).Prepare(ctx)
		assert.ErrorIs(t, err, transit.ErrInvalidInput)

		got, err := store.GetTrip(ctx, trip.ID)
		require.NoError(t, err)
		assert.Equal(t, transit.StatusScheduled, got.Status)
		assert.Nil(t, got.ActualStart)
	})
}

// flakyStore fails chosen AppendFix calls and the first completion writes.
type flakyStore struct {
	*memstore.Store
	mu              sync.Mutex
	appends         int
	failAppends     map[int]bool
	completionFails int
	completions     int
}

func (s *flakyStore) AppendFix(ctx context.Context, f transit.Fix) error {
	s.mu.Lock()
	s.appends++
	fail := s.failAppends[s.appends]
	s.mu.Unlock()
	if fail {
		return transit.ErrTransientIO
	}
	return s.Store.AppendFix(ctx, f)
}

func (s *flakyStore) UpdateTrip(ctx context.Context, id string, upd transit.TripUpdate) error {
	s.mu.Lock()
	if upd.Status == transit.StatusCompleted {
		s.completions++
	}
	fail := upd.Status == transit.StatusCompleted && s.completionFails > 0
	if fail {
		s.completionFails--
	}
	s.mu.Unlock()
	if fail {
		return transit.ErrTransientIO
	}
	return s.Store.UpdateTrip(ctx, id, upd)
}

func TestEngine_TickErrorsDoNotAbortRun(t *testing.T) {
	base, trip := seedTrip(t, threeStops())
	store := &flakyStore{Store: base, failAppends: map[int]bool{3: true, 10: true}, completionFails: 1}
	e := NewEngine(trip.ID, store, EngineConfig{Params: testParams})
	e.newTicker, e.now = manualTicks(36), fixedNow
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx))
	require.NoError(t, e.Run(ctx))

	fixes, err := base.ListFixes(ctx, trip.ID, 0)
	require.NoError(t, err)
	assert.Len(t, fixes, 34)

	got, err := base.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCompleted, got.Status, "completion write is retried")
}

func TestEngine_CompletionNotRetriedOnClosedTrip(t *testing.T) {
	base, trip := seedTrip(t, threeStops())
	store := &flakyStore{Store: base}
	e := NewEngine(trip.ID, store, EngineConfig{Params: testParams})
	e.newTicker, e.now = manualTicks(36), fixedNow
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx))
	// closed elsewhere while the run is in flight
	require.NoError(t, base.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusCancelled}))
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, StateCompleted, e.State())

	store.mu.Lock()
	assert.Equal(t, 1, store.completions, "a terminal trip is not worth retrying")
	store.mu.Unlock()

	got, err := base.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCancelled, got.Status)
}

// slowStore makes every fix write outlast the tick interval.
type slowStore struct {
	*memstore.Store
	delay time.Duration
}

func (s slowStore) AppendFix(ctx context.Context, f transit.Fix) error {
	time.Sleep(s.delay)
	return s.Store.AppendFix(ctx, f)
}

func TestEngine_SlowStoreStillReachesLastStop(t *testing.T) {
	base, trip := seedTrip(t, threeStops())
	store := slowStore{Store: base, delay: 25 * time.Millisecond}
	e := NewEngine(trip.ID, store, EngineConfig{Params: Params{
		TickInterval:         10 * time.Millisecond,
		Window:               360 * time.Millisecond,
		CompletionRetryDelay: time.Millisecond,
	}})
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx))
	require.NoError(t, e.Run(ctx))

	fixes, err := base.ListFixes(ctx, trip.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, fixes)
	assert.Less(t, len(fixes), 36, "a slow store drops ticks")
	assert.Equal(t, threeStops()[2].Position, fixes[0].Position)
	assert.True(t, fixes[0].Timestamp.Equal(tripStart.Add(time.Hour)))

	got, err := base.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCompleted, got.Status)
	assert.Equal(t, "C", got.CurrentStop)
	last := got.Ledger[2]
	assert.True(t, last.HasPassed)
	require.NotNil(t, last.ActualArrival)
	assert.WithinDuration(t, tripStart.Add(time.Hour), *last.ActualArrival, time.Minute)
}

func TestEngine_CancelWritesCancelled(t *testing.T) {
	store, trip := seedTrip(t, threeStops())
	e := NewEngine(trip.ID, store, EngineConfig{Params: testParams})
	e.newTicker = blockedTicks
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, e.Prepare(ctx))
	cancel()
	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
	assert.Equal(t, StateCancelled, e.State())

	got, err := store.GetTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusCancelled, got.Status)
	require.NotNil(t, got.ActualEnd)
	assert.True(t, got.ActualEnd.Equal(tripStart))
}

func TestParams_Ticks(t *testing.T) {
	assert.Equal(t, 36, Params{}.Ticks())
	assert.Equal(t, 36, testParams.Ticks())
	assert.Equal(t, 1, Params{TickInterval: time.Minute, Window: time.Second}.Ticks())
}
