package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSimulations prometheus.Gauge

	SimulationsStarted   prometheus.Counter
	SimulationsCompleted prometheus.Counter
	SimulationsCancelled prometheus.Counter

	Ticks      prometheus.Counter
	TickErrors prometheus.Counter
	Fixes      *prometheus.CounterVec // source label: simulation|gps|manual

	StopArrivals prometheus.Counter
	ArrivalDelay prometheus.Histogram // minutes

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	ProgressQueries *prometheus.CounterVec // result label: ok|completed|not_found|error
	RouteCache      *prometheus.CounterVec // result label: hit|miss

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	TickInterval prometheus.Gauge // seconds
	Window       prometheus.Gauge // seconds
}

func NewCollector(tickInterval, window time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSimulations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_active_simulations",
			Help: "Number of trip simulations currently running.",
		}),
		SimulationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_simulations_started_total",
			Help: "Total simulations started.",
		}),
		SimulationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_simulations_completed_total",
			Help: "Total simulations that ran their full window.",
		}),
		SimulationsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_simulations_cancelled_total",
			Help: "Total simulations stopped before their window elapsed.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_ticks_total",
			Help: "Total simulation ticks executed.",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_tick_errors_total",
			Help: "Ticks that failed and were skipped.",
		}),
		Fixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_fixes_recorded_total",
			Help: "GPS fixes persisted, by source.",
		}, []string{"source"}),
		StopArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_stop_arrivals_total",
			Help: "Stop arrivals recorded into trip ledgers.",
		}),
		ArrivalDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_arrival_delay_minutes",
			Help:    "Recorded arrival delay against schedule, in minutes.",
			Buckets: []float64{-5, -2, -1, 0, 1, 2, 5, 10, 15, 30},
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ProgressQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_progress_queries_total",
			Help: "Progress reconstructions served, by result.",
		}, []string{"result"}),
		RouteCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_route_cache_lookups_total",
			Help: "Route cache lookups, by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_tick_duration_seconds",
			Help:    "Duration of simulation tick bodies.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_tick_interval_seconds",
			Help: "Wall-clock interval between simulation ticks.",
		}),
		Window: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_simulation_window_seconds",
			Help: "Wall-clock length of one simulation run.",
		}),
	}

	reg.MustRegister(
		c.ActiveSimulations,
		c.SimulationsStarted, c.SimulationsCompleted, c.SimulationsCancelled,
		c.Ticks, c.TickErrors, c.Fixes,
		c.StopArrivals, c.ArrivalDelay,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ProgressQueries, c.RouteCache,
		c.TickDuration, c.PublishDuration,
		c.TickInterval, c.Window,
	)

	c.TickInterval.Set(tickInterval.Seconds())
	c.Window.Set(window.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}
