package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bustracker/internal/geo"
	mmetrics "bustracker/internal/metrics"
	"bustracker/internal/transit"
)

const (
	DefaultTickInterval = 10 * time.Second
	DefaultWindow       = 6 * time.Minute

	stoppedProgress = 0.95
)

// Store is the persistence the engine needs.
type Store interface {
	LedgerWriter
	GetTrip(ctx context.Context, tripID string) (*transit.Trip, error)
	GetRoute(ctx context.Context, routeID string) (*transit.Route, error)
	AppendFix(ctx context.Context, fix transit.Fix) error
}

// FixPublisher forwards fixes to live subscribers. Failures never fail a tick.
type FixPublisher interface {
	PublishFix(fix transit.Fix) error
}

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Params shapes the compressed demo run.
type Params struct {
	TickInterval time.Duration
	Window       time.Duration
	Strategy     geo.Strategy
	// CompletionRetryDelay spaces the attempts of the final status write.
	CompletionRetryDelay time.Duration
}

func (p Params) withDefaults() Params {
	if p.TickInterval <= 0 {
		p.TickInterval = DefaultTickInterval
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.CompletionRetryDelay <= 0 {
		p.CompletionRetryDelay = time.Second
	}
	return p
}

// Ticks is the number of fixes a run generates when no tick is dropped.
func (p Params) Ticks() int {
	p = p.withDefaults()
	n := int(p.Window / p.TickInterval)
	if n < 1 {
		n = 1
	}
	return n
}

type EngineConfig struct {
	Params    Params
	Delay     DelayModel
	Telemetry Telemetry
	Publisher FixPublisher
	Metrics   *mmetrics.Collector
}

// Engine simulates one trip. Its state is private to the goroutine running it.
type Engine struct {
	tripID    string
	store     Store
	params    Params
	delay     DelayModel
	telemetry Telemetry
	pub       FixPublisher
	metrics   *mmetrics.Collector
	tracer    trace.Tracer

	// replaced in tests to drive ticks and the run clock by hand
	newTicker func(d time.Duration) (<-chan time.Time, func())
	now       func() time.Time

	state        State
	trip         *transit.Trip
	route        *transit.Route
	stops        []transit.Stop
	virtualStart time.Time
	virtualEnd   time.Time
	lastVirtual  time.Time
	tracker      *ArrivalTracker
	ticks        int
}

func NewEngine(tripID string, store Store, cfg EngineConfig) *Engine {
	e := &Engine{
		tripID:    tripID,
		store:     store,
		params:    cfg.Params.withDefaults(),
		delay:     cfg.Delay,
		telemetry: cfg.Telemetry,
		pub:       cfg.Publisher,
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer("bustracker/sim"),
		state:     StateIdle,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		now: time.Now,
	}
	if e.delay == nil {
		e.delay = NoDelay{}
	}
	return e
}

func (e *Engine) State() State { return e.state }

// Trip returns the trip as loaded by Prepare.
func (e *Engine) Trip() *transit.Trip { return e.trip }

// Prepare loads the trip and route, validates them, and marks the trip
// in-progress at its scheduled start. Nothing is written unless every check passes.
func (e *Engine) Prepare(ctx context.Context) error {
	if e.state != StateIdle {
		return fmt.Errorf("engine for trip %s is %s", e.tripID, e.state)
	}
	trip, err := e.store.GetTrip(ctx, e.tripID)
	if err != nil {
		return fmt.Errorf("load trip %s: %w", e.tripID, err)
	}
	if trip.Status.Terminal() {
		return fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, transit.ErrAlreadyTerminal)
	}
	route, err := e.store.GetRoute(ctx, trip.RouteID)
	if err != nil {
		return fmt.Errorf("load route %s: %w", trip.RouteID, err)
	}
	stops := route.SortedStops()
	if len(stops) == 0 {
		return fmt.Errorf("route %s has no stops: %w", route.ID, transit.ErrInvalidInput)
	}
	if !trip.ScheduledEnd.After(trip.ScheduledStart) {
		return fmt.Errorf("trip %s has an empty schedule: %w", trip.ID, transit.ErrInvalidInput)
	}

	e.trip, e.route, e.stops = trip, route, stops
	e.virtualStart = trip.ScheduledStart
	e.virtualEnd = trip.ScheduledEnd
	e.lastVirtual = e.virtualStart

	first := stops[0].Name
	start := e.virtualStart
	if err := e.store.UpdateTrip(ctx, trip.ID, transit.TripUpdate{
		Status:      transit.StatusInProgress,
		ActualStart: &start,
		CurrentStop: &first,
	}); err != nil {
		return fmt.Errorf("mark trip %s in progress: %w", trip.ID, err)
	}
	e.trip.Status = transit.StatusInProgress
	e.tracker = NewArrivalTracker(trip, stops, e.store, e.metrics)
	e.state = StateRunning

	slog.Info("simulation prepared", "trip", trip.ID, "route", route.Name, "bus", trip.BusRegistration,
		"virtual_start", e.virtualStart.Format(time.RFC3339), "stops", len(stops), "ticks", e.params.Ticks())
	return nil
}

// Run emits one fix per tick, positioned by the wall-clock time elapsed
// since the run began, until the window is covered, then completes the trip.
// Ticks the ticker drops under a slow store only thin out the fixes. If the
// window runs out before a tick lands on it, one last fix is placed at the
// final stop. Cancelling ctx stops the run and marks the trip cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.state != StateRunning {
		return fmt.Errorf("engine for trip %s is %s, not running", e.tripID, e.state)
	}
	// the clock is read before the ticker starts so no tick predates it
	started := e.now()
	tickC, stopTicker := e.newTicker(e.params.TickInterval)
	defer stopTicker()
	// Hard stop half a tick after the window so the last scheduled tick still lands.
	deadline := time.NewTimer(e.params.Window + e.params.TickInterval/2)
	defer deadline.Stop()

	var elapsed time.Duration
	for elapsed < e.params.Window {
		select {
		case <-ctx.Done():
			e.cancel(ctx)
			return ctx.Err()
		case <-deadline.C:
			slog.Warn("simulation window elapsed before the final tick, closing at the last stop",
				"trip", e.tripID, "ticks", e.ticks, "elapsed", elapsed)
			elapsed = e.params.Window
			e.step(ctx, elapsed)
		case at := <-tickC:
			elapsed = min(at.Sub(started), e.params.Window)
			e.step(ctx, elapsed)
		}
	}
	if ctx.Err() != nil {
		e.cancel(ctx)
		return ctx.Err()
	}
	e.complete(ctx)
	return nil
}

// step runs one tick bounded by the tick interval. Failures are logged and the run goes on.
func (e *Engine) step(ctx context.Context, elapsed time.Duration) {
	e.ticks++
	tctx, cancel := context.WithTimeout(ctx, e.params.TickInterval)
	defer cancel()
	if _, err := e.Tick(tctx, elapsed); err != nil {
		slog.Error("tick failed", "trip", e.tripID, "tick", e.ticks, "err", err)
	}
}

// Tick generates and stores the fix for elapsed real time into the run, then
// runs arrival detection on it.
func (e *Engine) Tick(ctx context.Context, elapsed time.Duration) (transit.Fix, error) {
	ctx, span := e.tracer.Start(ctx, "sim.tick", trace.WithAttributes(
		attribute.String("trip_id", e.tripID),
		attribute.Int("tick", e.ticks),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Ticks.Inc()
			e.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	fix, err := e.tick(ctx, elapsed)
	if err != nil {
		if e.metrics != nil {
			e.metrics.TickErrors.Inc()
		}
		span.RecordError(err, trace.WithAttributes(attribute.Bool("error.transient", errors.Is(err, transit.ErrTransientIO))))
		span.SetStatus(codes.Error, err.Error())
		return fix, err
	}
	span.SetAttributes(
		attribute.Float64("lat", fix.Position.Lat),
		attribute.Float64("lon", fix.Position.Lon),
		attribute.String("virtual_time", fix.Timestamp.Format(time.RFC3339)),
	)
	return fix, nil
}

func (e *Engine) tick(ctx context.Context, elapsed time.Duration) (transit.Fix, error) {
	if e.state != StateRunning {
		return transit.Fix{}, fmt.Errorf("engine for trip %s is %s, not running", e.tripID, e.state)
	}
	progress := Progress(elapsed, e.params.Window)
	nominal := VirtualTime(e.virtualStart, e.virtualEnd, progress)
	at := nominal.Add(e.delay.Sample())
	pos, _ := e.params.Strategy.Interpolate(e.stops, progress)

	fix := transit.Fix{
		ID:              uuid.NewString(),
		BusRegistration: e.trip.BusRegistration,
		TripID:          e.trip.ID,
		Timestamp:       at.UTC(),
		Position:        pos,
		Movement:        transit.MovementMoving,
		Source:          transit.SourceSimulation,
	}
	if e.telemetry != nil {
		fix.SpeedKmh = e.telemetry.Speed(progress)
		fix.Heading = e.telemetry.Heading(pos)
	}
	if progress >= stoppedProgress {
		fix.Movement = transit.MovementStopped
	}

	if err := e.store.AppendFix(ctx, fix); err != nil {
		return fix, fmt.Errorf("append fix: %w", err)
	}
	if e.metrics != nil {
		e.metrics.Fixes.WithLabelValues(string(fix.Source)).Inc()
	}
	e.lastVirtual = fix.Timestamp
	slog.Debug("fix", "trip", e.trip.ID, "virtual_time", fix.Timestamp.Format(time.RFC3339),
		"lat", pos.Lat, "lon", pos.Lon, "speed", fix.SpeedKmh, "progress", progress)

	if e.pub != nil {
		if err := e.pub.PublishFix(fix); err != nil {
			slog.Warn("publish fix failed", "trip", e.trip.ID, "err", err)
		}
	}

	if _, err := e.tracker.Check(ctx, pos, fix.Timestamp); err != nil {
		return fix, fmt.Errorf("arrival check: %w", err)
	}
	return fix, nil
}

// Progress is elapsed/window clamped to [0,1].
func Progress(elapsed, window time.Duration) float64 {
	if window <= 0 {
		return 1
	}
	return math.Min(math.Max(float64(elapsed)/float64(window), 0), 1)
}

// VirtualTime scales progress onto the scheduled interval [start, end].
func VirtualTime(start, end time.Time, progress float64) time.Time {
	return start.Add(time.Duration(progress * float64(end.Sub(start))))
}

func (e *Engine) complete(ctx context.Context) {
	end := e.virtualEnd
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	op := func() error {
		err := e.store.UpdateTrip(wctx, e.tripID, transit.TripUpdate{Status: transit.StatusCompleted, ActualEnd: &end})
		if errors.Is(err, transit.ErrAlreadyTerminal) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.params.CompletionRetryDelay), 2), wctx)
	switch err := backoff.Retry(op, b); {
	case errors.Is(err, transit.ErrAlreadyTerminal):
		slog.Info("trip closed while simulating, completion skipped", "trip", e.tripID, "err", err)
	case err != nil:
		slog.Error("completion write failed, giving up", "trip", e.tripID, "err", err)
	}
	e.state = StateCompleted
	if e.metrics != nil {
		e.metrics.SimulationsCompleted.Inc()
	}
	slog.Info("simulation completed", "trip", e.tripID, "ticks", e.ticks, "virtual_end", end.Format(time.RFC3339))
}

func (e *Engine) cancel(ctx context.Context) {
	end := e.lastVirtual
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateTrip(wctx, e.tripID, transit.TripUpdate{Status: transit.StatusCancelled, ActualEnd: &end}); err != nil {
		slog.Error("cancel write failed", "trip", e.tripID, "err", err)
	}
	e.state = StateCancelled
	if e.metrics != nil {
		e.metrics.SimulationsCancelled.Inc()
	}
	slog.Info("simulation cancelled", "trip", e.tripID, "ticks", e.ticks)
}
