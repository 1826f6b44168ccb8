package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bustracker/internal/geo"
)

type Config struct {
	// DatabaseURL is empty when no database is configured; the tracker then
	// runs against an in-memory store.
	DatabaseURL string

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	HTTPAddr    string
	MetricsAddr string

	TickInterval  time.Duration
	Window        time.Duration
	Interpolation geo.Strategy

	JWTSecret string

	RouteCacheSize int
	RouteCacheTTL  time.Duration

	TracingEnabled bool
	OTLPEndpoint   string

	LogLevel string
	Location *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars when PGDATABASE is set
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	}
	cfg.DatabaseURL = dsn

	// Empty NATS_URL disables the live feed.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "bus.fixes")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":5000")
	// Metrics listen address (e.g., ":9102"). Empty serves /metrics on the API listener only.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	var err error
	if cfg.TickInterval, err = secondsEnv("SIM_TICK_INTERVAL_SEC", 10); err != nil {
		return nil, err
	}
	if cfg.Window, err = secondsEnv("SIM_WINDOW_SEC", 360); err != nil {
		return nil, err
	}
	if cfg.Window < cfg.TickInterval {
		return nil, fmt.Errorf("SIM_WINDOW_SEC (%s) shorter than SIM_TICK_INTERVAL_SEC (%s)", cfg.Window, cfg.TickInterval)
	}
	if cfg.Interpolation, err = geo.ParseStrategy(os.Getenv("INTERPOLATION")); err != nil {
		return nil, fmt.Errorf("invalid INTERPOLATION: %w", err)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if v := os.Getenv("ROUTE_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid ROUTE_CACHE_SIZE: %q", v)
		}
		cfg.RouteCacheSize = n
	} else {
		cfg.RouteCacheSize = 256
	}
	if cfg.RouteCacheTTL, err = secondsEnv("ROUTE_CACHE_TTL_SEC", 600); err != nil {
		return nil, err
	}

	cfg.TracingEnabled = parseBool(os.Getenv("OTEL_TRACING_ENABLED"))
	cfg.OTLPEndpoint = getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func secondsEnv(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
