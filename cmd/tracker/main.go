package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bustracker/internal/api"
	"bustracker/internal/config"
	"bustracker/internal/db"
	"bustracker/internal/logging"
	"bustracker/internal/memstore"
	"bustracker/internal/metrics"
	"bustracker/internal/progress"
	"bustracker/internal/publisher"
	"bustracker/internal/routecache"
	"bustracker/internal/sim"
	"bustracker/internal/tracing"
	"bustracker/internal/transit"
)

// storage is what both backends provide.
type storage interface {
	api.Store
	sim.Store
	progress.Store
	routecache.Store
}

// cachedRoutes sends route reads through the LRU so every component shares it.
type cachedRoutes struct {
	storage
	routes *routecache.Cache
}

func (c cachedRoutes) GetRoute(ctx context.Context, routeID string) (*transit.Route, error) {
	return c.routes.GetRoute(ctx, routeID)
}

func main() {
	if err := run(); err != nil {
		slog.Error("tracker exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.TracingEnabled, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "err", err)
		}
	}()

	mcol := metrics.NewCollector(cfg.TickInterval, cfg.Window)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var store storage
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store; nothing survives a restart")
		store = memstore.New()
	} else {
		if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			return err
		}
		if err := db.EnsureSchema(ctx, sqlDB); err != nil {
			return err
		}
		store = db.NewStore(sqlDB)
	}
	routes := routecache.New(store, cfg.RouteCacheSize, cfg.RouteCacheTTL, mcol)
	shared := cachedRoutes{storage: store, routes: routes}

	// NATS is optional; fixes are still persisted without it.
	var feed api.Feed
	var fixPub sim.FixPublisher
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			return err
		}
		defer pub.Close()
		feed, fixPub = pub, pub
	}

	mgr := sim.NewManager(shared, sim.ManagerConfig{
		Params: sim.Params{
			TickInterval: cfg.TickInterval,
			Window:       cfg.Window,
			Strategy:     cfg.Interpolation,
		},
		Publisher: fixPub,
		Metrics:   mcol,
	})

	app := api.New(api.Deps{
		Store:       store,
		Routes:      routes,
		Simulations: mgr,
		Progress:    progress.NewService(store, routes, mcol),
		Feed:        feed,
		Metrics:     mcol,
		JWTSecret:   cfg.JWTSecret,
		AccessLog:   logging.ParseLevel(cfg.LogLevel) <= slog.LevelDebug,
		Location:    cfg.Location,
	})
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set; write endpoints will refuse requests")
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr, "tick", cfg.TickInterval, "window", cfg.Window,
			"interpolation", cfg.Interpolation, "tz", cfg.Location.String())
		errc <- app.Listen(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			mgr.Stop()
			return err
		}
	}

	// Stop taking requests first, then let running simulations write their cancel.
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := app.ShutdownWithContext(sctx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	mgr.Stop()
	slog.Info("shutdown complete")
	return nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
