package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	mmetrics "bustracker/internal/metrics"
	"bustracker/internal/progress"
	"bustracker/internal/sim"
	"bustracker/internal/transit"
)

// Store is the persistence the handlers touch directly. Routes go through
// RouteStore so reads hit the cache.
type Store interface {
	Ping(ctx context.Context) error
	CreateTrip(ctx context.Context, t *transit.Trip) error
	GetTrip(ctx context.Context, tripID string) (*transit.Trip, error)
	AppendFix(ctx context.Context, f transit.Fix) error
	ListFixes(ctx context.Context, tripID string, limit int) ([]transit.Fix, error)
	ListTrips(ctx context.Context, f transit.TripFilter) ([]*transit.Trip, error)
}

type RouteStore interface {
	CreateRoute(ctx context.Context, r *transit.Route) error
	GetRoute(ctx context.Context, routeID string) (*transit.Route, error)
}

type Simulations interface {
	Start(ctx context.Context, tripID string) (sim.Ack, error)
	Cancel(ctx context.Context, tripID string) error
	MarkStarted(ctx context.Context, tripID string) (*transit.Trip, error)
	MarkCompleted(ctx context.Context, tripID string) (*transit.Trip, error)
	Active() []string
}

type ProgressReader interface {
	Current(ctx context.Context, tripID string) (*progress.Report, error)
	CurrentForBus(ctx context.Context, registration string) (*progress.Report, error)
}

// Feed is the live fix fan-out. Nil when NATS is disabled.
type Feed interface {
	sim.FixPublisher
	Connected() bool
}

type Deps struct {
	Store       Store
	Routes      RouteStore
	Simulations Simulations
	Progress    ProgressReader
	Feed        Feed
	Metrics     *mmetrics.Collector

	JWTSecret string
	// WriteLimit caps authenticated writes per client IP per minute. Zero uses 60.
	WriteLimit int
	AccessLog  bool
	// Location renders rider-facing schedule times and resolves date filters. Nil is UTC.
	Location *time.Location
}

type Server struct {
	Deps
	now func() time.Time
}

// New builds the fiber app with every route mounted.
func New(d Deps) *fiber.App {
	if d.WriteLimit <= 0 {
		d.WriteLimit = 60
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	s := &Server{Deps: d, now: time.Now}

	app := fiber.New(fiber.Config{
		AppName:               "bustracker",
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New())
	}

	s.mount(app)
	return app
}

func (s *Server) mount(app *fiber.App) {
	if s.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.Metrics.Handler()))
	}

	api := app.Group("/api")
	api.Get("/health", s.health)

	// fiber applies Group middleware to every route under the prefix, so the
	// write chain is attached per route instead.
	write := []fiber.Handler{requireJWT(s.JWTSecret), writeLimiter(s.WriteLimit)}
	with := func(h fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, write...), h)
	}

	api.Post("/routes", with(s.createRoute)...)
	api.Get("/routes/:routeId", s.getRoute)

	api.Post("/trips", with(s.createTrip)...)
	api.Get("/trips", s.listTrips)
	api.Get("/trips/scheduled", s.scheduledTrips)
	api.Get("/trips/:tripId", s.getTrip)
	api.Post("/trips/:tripId/start", with(s.startTrip)...)
	api.Post("/trips/:tripId/complete", with(s.completeTrip)...)
	api.Post("/trips/:tripId/simulate", with(s.simulate)...)
	api.Post("/trips/:tripId/cancel", with(s.cancel)...)
	api.Get("/trips/:tripId/progress", s.progress)
	api.Get("/trips/:tripId/locations", s.locations)

	api.Post("/locations", with(s.recordLocation)...)
	api.Get("/buses/:registration/location", s.busLocation)
}
