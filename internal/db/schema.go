package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"bustracker/internal/transit"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		route_id             TEXT PRIMARY KEY,
		name                 TEXT NOT NULL,
		origin_city          TEXT NOT NULL DEFAULT '',
		origin_terminal      TEXT NOT NULL DEFAULT '',
		destination_city     TEXT NOT NULL DEFAULT '',
		destination_terminal TEXT NOT NULL DEFAULT '',
		distance_km          DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_minutes     INTEGER NOT NULL DEFAULT 0,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS route_stops (
		route_id       TEXT NOT NULL REFERENCES routes (route_id) ON DELETE CASCADE,
		sequence       INTEGER NOT NULL,
		name           TEXT NOT NULL,
		lon            DOUBLE PRECISION NOT NULL,
		lat            DOUBLE PRECISION NOT NULL,
		offset_minutes INTEGER NOT NULL,
		PRIMARY KEY (route_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		trip_id          TEXT PRIMARY KEY,
		route_id         TEXT NOT NULL REFERENCES routes (route_id),
		bus_registration TEXT NOT NULL,
		scheduled_start  TIMESTAMPTZ NOT NULL,
		scheduled_end    TIMESTAMPTZ NOT NULL,
		actual_start     TIMESTAMPTZ,
		actual_end       TIMESTAMPTZ,
		status           TEXT NOT NULL,
		current_stop     TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS trips_bus_idx ON trips (bus_registration, scheduled_start DESC)`,
	`CREATE TABLE IF NOT EXISTS trip_stop_arrivals (
		trip_id           TEXT NOT NULL REFERENCES trips (trip_id) ON DELETE CASCADE,
		position          INTEGER NOT NULL,
		stop_name         TEXT NOT NULL,
		estimated_arrival TIMESTAMPTZ NOT NULL,
		actual_arrival    TIMESTAMPTZ,
		delay_minutes     INTEGER NOT NULL DEFAULT 0,
		has_passed        BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (trip_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS gps_fixes (
		id               TEXT PRIMARY KEY,
		trip_id          TEXT NOT NULL REFERENCES trips (trip_id) ON DELETE CASCADE,
		bus_registration TEXT NOT NULL,
		ts               TIMESTAMPTZ NOT NULL,
		lon              DOUBLE PRECISION NOT NULL,
		lat              DOUBLE PRECISION NOT NULL,
		speed_kmh        DOUBLE PRECISION NOT NULL DEFAULT 0,
		heading          DOUBLE PRECISION NOT NULL DEFAULT 0,
		movement         TEXT NOT NULL DEFAULT 'moving',
		source           TEXT NOT NULL DEFAULT 'gps',
		recorded_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,
	`CREATE INDEX IF NOT EXISTS gps_fixes_trip_ts_idx ON gps_fixes (trip_id, ts DESC, recorded_at DESC)`,
}

// requiredColumns are the columns the store reads and writes. CREATE TABLE IF
// NOT EXISTS leaves a same-named table from another deployment untouched, so
// EnsureSchema checks for them instead of failing on the first query.
var requiredColumns = map[string][]string{
	"routes":             {"route_id", "name", "origin_city", "origin_terminal", "destination_city", "destination_terminal", "distance_km", "duration_minutes"},
	"route_stops":        {"route_id", "sequence", "name", "lon", "lat", "offset_minutes"},
	"trips":              {"trip_id", "route_id", "bus_registration", "scheduled_start", "scheduled_end", "actual_start", "actual_end", "status", "current_stop"},
	"trip_stop_arrivals": {"trip_id", "position", "stop_name", "estimated_arrival", "actual_arrival", "delay_minutes", "has_passed"},
	"gps_fixes":          {"id", "trip_id", "bus_registration", "ts", "lon", "lat", "speed_kmh", "heading", "movement", "source", "recorded_at"},
}

// EnsureSchema creates the tracker tables when missing and verifies that
// existing ones carry every column the store uses. It is idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return ioErr("apply schema", err)
		}
	}
	tables := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		have, err := hasColumns(ctx, db, "public", table, requiredColumns[table]...)
		if err != nil {
			return ioErr("inspect "+table, err)
		}
		if missing := missingColumns(have, requiredColumns[table]); len(missing) > 0 {
			return fmt.Errorf("table %s exists with an incompatible layout, missing %s: %w",
				table, strings.Join(missing, ", "), transit.ErrInvalidInput)
		}
	}
	return nil
}

func missingColumns(have map[string]bool, want []string) []string {
	var missing []string
	for _, c := range want {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}
