package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mmetrics "bustracker/internal/metrics"
	"bustracker/internal/transit"
)

// Ack is returned once a simulation has been prepared and handed to its goroutine.
type Ack struct {
	TripID          string        `json:"tripId"`
	RouteID         string        `json:"routeId"`
	BusRegistration string        `json:"busRegistration"`
	Status          string        `json:"status"`
	Ticks           int           `json:"ticks"`
	TickInterval    time.Duration `json:"-"`
	Window          time.Duration `json:"-"`
	VirtualStart    time.Time     `json:"virtualStart"`
	VirtualEnd      time.Time     `json:"virtualEnd"`
}

type ManagerConfig struct {
	Params    Params
	Publisher FixPublisher
	Metrics   *mmetrics.Collector
	// Seed fixes the random streams of every engine; 0 seeds from the clock.
	Seed int64
	// Outcomes overrides DefaultDelayOutcomes.
	Outcomes []DelayOutcome
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs at most one simulation per trip, each in its own goroutine.
type Manager struct {
	store   Store
	cfg     ManagerConfig
	metrics *mmetrics.Collector
	seq     atomic.Int64

	root       context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*run // tripID -> run; nil while preparing
	wg      sync.WaitGroup

	newTicker func(d time.Duration) (<-chan time.Time, func())
	now       func() time.Time
}

func NewManager(store Store, cfg ManagerConfig) *Manager {
	cfg.Params = cfg.Params.withDefaults()
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		cfg:        cfg,
		metrics:    cfg.Metrics,
		root:       root,
		rootCancel: cancel,
		running:    make(map[string]*run),
		now:        time.Now,
	}
}

func (m *Manager) engine(tripID string) *Engine {
	n := m.seq.Add(1)
	rng := rand.New(rand.NewSource(m.cfg.Seed + n))
	e := NewEngine(tripID, m.store, EngineConfig{
		Params:    m.cfg.Params,
		Delay:     NewCategoricalDelay(m.cfg.Outcomes, rng),
		Telemetry: NewRandomTelemetry(rng),
		Publisher: m.cfg.Publisher,
		Metrics:   m.metrics,
	})
	if m.newTicker != nil {
		e.newTicker = m.newTicker
	}
	e.now = m.now
	return e
}

// Start validates and prepares the trip, then runs its simulation in the
// background. Validation failures are returned before anything is written.
// ctx only bounds the preparation; the run outlives the caller's request.
func (m *Manager) Start(ctx context.Context, tripID string) (Ack, error) {
	tripID = transit.NormalizeTripID(tripID)
	if tripID == "" {
		return Ack{}, fmt.Errorf("trip id is required: %w", transit.ErrInvalidInput)
	}
	m.mu.Lock()
	if m.root.Err() != nil {
		m.mu.Unlock()
		return Ack{}, fmt.Errorf("manager stopped: %w", context.Canceled)
	}
	if _, exists := m.running[tripID]; exists {
		m.mu.Unlock()
		return Ack{}, fmt.Errorf("trip %s: %w", tripID, transit.ErrAlreadyRunning)
	}
	m.running[tripID] = nil
	m.mu.Unlock()

	e := m.engine(tripID)
	if err := e.Prepare(ctx); err != nil {
		m.mu.Lock()
		delete(m.running, tripID)
		m.mu.Unlock()
		return Ack{}, err
	}

	runCtx, cancel := context.WithCancel(m.root)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	if m.root.Err() != nil {
		delete(m.running, tripID)
		m.mu.Unlock()
		cancel()
		e.cancel(ctx)
		return Ack{}, fmt.Errorf("manager stopped: %w", context.Canceled)
	}
	m.running[tripID] = r
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.SimulationsStarted.Inc()
		m.metrics.ActiveSimulations.Set(float64(len(m.running)))
	}
	m.mu.Unlock()

	trip := e.Trip()
	slog.Info("starting simulation", "trip", trip.ID, "route", trip.RouteID, "bus", trip.BusRegistration)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()
		if err := e.Run(runCtx); err != nil {
			slog.Info("simulation stopped", "trip", tripID, "err", err)
		}
		m.mu.Lock()
		delete(m.running, tripID)
		if m.metrics != nil {
			m.metrics.ActiveSimulations.Set(float64(len(m.running)))
		}
		m.mu.Unlock()
	}()

	return Ack{
		TripID:          trip.ID,
		RouteID:         trip.RouteID,
		BusRegistration: trip.BusRegistration,
		Status:          string(transit.StatusInProgress),
		Ticks:           m.cfg.Params.Ticks(),
		TickInterval:    m.cfg.Params.TickInterval,
		Window:          m.cfg.Params.Window,
		VirtualStart:    trip.ScheduledStart,
		VirtualEnd:      trip.ScheduledEnd,
	}, nil
}

// Cancel stops a running simulation and waits for its cancel write. A trip
// that is not being simulated here is cancelled directly in the store.
func (m *Manager) Cancel(ctx context.Context, tripID string) error {
	tripID = transit.NormalizeTripID(tripID)
	m.mu.Lock()
	r, ok := m.running[tripID]
	m.mu.Unlock()
	if ok && r != nil {
		r.cancel()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	trip, err := m.store.GetTrip(ctx, tripID)
	if err != nil {
		return fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if !trip.Status.CanTransition(transit.StatusCancelled) {
		return fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, transit.ErrAlreadyTerminal)
	}
	if err := m.store.UpdateTrip(ctx, trip.ID, transit.TripUpdate{Status: transit.StatusCancelled}); err != nil {
		return fmt.Errorf("cancel trip %s: %w", trip.ID, err)
	}
	slog.Info("trip cancelled", "trip", trip.ID)
	return nil
}

func (m *Manager) Running(tripID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.running[transit.NormalizeTripID(tripID)]
	return ok && r != nil
}

// Active lists trips with a simulation in flight, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id, r := range m.running {
		if r != nil {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Stop cancels every run and waits for them to write their final status.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.rootCancel()
	m.mu.Unlock()
	m.wg.Wait()
}
