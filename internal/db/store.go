package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bustracker/internal/transit"
)

// Store persists routes, trips with their stop ledgers, and GPS fixes in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error { return Ping(ctx, s.db) }

func (s *Store) CreateRoute(ctx context.Context, r *transit.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	id := transit.NormalizeRouteID(r.ID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO routes (route_id, name, origin_city, origin_terminal, destination_city, destination_terminal, distance_km, duration_minutes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (route_id) DO NOTHING`,
		id, r.Name, r.Origin.City, r.Origin.Terminal, r.Destination.City, r.Destination.Terminal, r.DistanceKm, r.DurationMinutes)
	if err != nil {
		return ioErr("insert route "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("route %s already exists: %w", id, transit.ErrInvalidInput)
	}
	for _, st := range r.SortedStops() {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO route_stops (route_id, sequence, name, lon, lat, offset_minutes)
VALUES ($1, $2, $3, $4, $5, $6)`,
			id, st.Sequence, st.Name, st.Position.Lon, st.Position.Lat, st.OffsetMinutes); err != nil {
			return ioErr("insert stop "+st.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ioErr("commit route "+id, err)
	}
	return nil
}

func (s *Store) GetRoute(ctx context.Context, id string) (*transit.Route, error) {
	id = transit.NormalizeRouteID(id)
	r := &transit.Route{}
	err := s.db.QueryRowContext(ctx, `
SELECT route_id, name, origin_city, origin_terminal, destination_city, destination_terminal, distance_km, duration_minutes
FROM routes WHERE route_id = $1`, id).Scan(
		&r.ID, &r.Name, &r.Origin.City, &r.Origin.Terminal, &r.Destination.City, &r.Destination.Terminal, &r.DistanceKm, &r.DurationMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route %s: %w", id, transit.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query route "+id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT sequence, name, lon, lat, offset_minutes
FROM route_stops WHERE route_id = $1 ORDER BY sequence`, id)
	if err != nil {
		return nil, ioErr("query stops of "+id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.Sequence, &st.Name, &st.Position.Lon, &st.Position.Lat, &st.OffsetMinutes); err != nil {
			return nil, ioErr("scan stop", err)
		}
		r.Stops = append(r.Stops, st)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("read stops of "+id, err)
	}
	return r, nil
}

func (s *Store) CreateTrip(ctx context.Context, t *transit.Trip) error {
	id := transit.NormalizeTripID(t.ID)
	routeID := transit.NormalizeRouteID(t.RouteID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("begin", err)
	}
	defer tx.Rollback()

	var routeExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM routes WHERE route_id = $1)`, routeID).Scan(&routeExists); err != nil {
		return ioErr("check route "+routeID, err)
	}
	if !routeExists {
		return fmt.Errorf("route %s: %w", routeID, transit.ErrNotFound)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO trips (trip_id, route_id, bus_registration, scheduled_start, scheduled_end, actual_start, actual_end, status, current_stop)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (trip_id) DO NOTHING`,
		id, routeID, t.BusRegistration, t.ScheduledStart.UTC(), t.ScheduledEnd.UTC(),
		nullTime(t.ActualStart), nullTime(t.ActualEnd), string(t.Status), t.CurrentStop)
	if err != nil {
		return ioErr("insert trip "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trip %s already exists: %w", id, transit.ErrInvalidInput)
	}
	for i, e := range t.Ledger {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO trip_stop_arrivals (trip_id, position, stop_name, estimated_arrival, actual_arrival, delay_minutes, has_passed)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, i, e.StopName, e.EstimatedArrival.UTC(), nullTime(e.ActualArrival), e.DelayMinutes, e.HasPassed); err != nil {
			return ioErr("insert ledger entry "+e.StopName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ioErr("commit trip "+id, err)
	}
	return nil
}

const tripColumns = `trip_id, route_id, bus_registration, scheduled_start, scheduled_end, actual_start, actual_end, status, current_stop`

func scanTrip(row interface{ Scan(...any) error }) (*transit.Trip, error) {
	t := &transit.Trip{}
	var start, end sql.NullTime
	var status string
	if err := row.Scan(&t.ID, &t.RouteID, &t.BusRegistration, &t.ScheduledStart, &t.ScheduledEnd, &start, &end, &status, &t.CurrentStop); err != nil {
		return nil, err
	}
	t.ScheduledStart = t.ScheduledStart.UTC()
	t.ScheduledEnd = t.ScheduledEnd.UTC()
	t.ActualStart = timePtr(start)
	t.ActualEnd = timePtr(end)
	t.Status = transit.Status(status)
	return t, nil
}

func (s *Store) GetTrip(ctx context.Context, id string) (*transit.Trip, error) {
	id = transit.NormalizeTripID(id)
	t, err := scanTrip(s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE trip_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query trip "+id, err)
	}
	if t.Ledger, err = s.ledger(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTrips returns the trips matching f ordered by scheduled start, then id.
func (s *Store) ListTrips(ctx context.Context, f transit.TripFilter) ([]*transit.Trip, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.RouteID != "" {
		where = append(where, "route_id = "+arg(transit.NormalizeRouteID(f.RouteID)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !f.From.IsZero() {
		where = append(where, "scheduled_start >= "+arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		where = append(where, "scheduled_start < "+arg(f.To.UTC()))
	}
	q := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scheduled_start, trip_id`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr("list trips", err)
	}
	trips := []*transit.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			rows.Close()
			return nil, ioErr("scan trip", err)
		}
		trips = append(trips, t)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, ioErr("read trips", err)
	}
	// ledgers are loaded after the cursor is closed so the pool is not held twice
	for _, t := range trips {
		if t.Ledger, err = s.ledger(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return trips, nil
}

func (s *Store) ledger(ctx context.Context, tripID string) ([]transit.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stop_name, estimated_arrival, actual_arrival, delay_minutes, has_passed
FROM trip_stop_arrivals WHERE trip_id = $1 ORDER BY position`, tripID)
	if err != nil {
		return nil, ioErr("query ledger of "+tripID, err)
	}
	defer rows.Close()
	ledger := []transit.LedgerEntry{}
	for rows.Next() {
		var e transit.LedgerEntry
		var actual sql.NullTime
		if err := rows.Scan(&e.StopName, &e.EstimatedArrival, &actual, &e.DelayMinutes, &e.HasPassed); err != nil {
			return nil, ioErr("scan ledger entry", err)
		}
		e.EstimatedArrival = e.EstimatedArrival.UTC()
		e.ActualArrival = timePtr(actual)
		ledger = append(ledger, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("read ledger of "+tripID, err)
	}
	return ledger, nil
}

// UpdateTrip applies a status write under a row lock so concurrent writers
// cannot move a trip out of a terminal state.
func (s *Store) UpdateTrip(ctx context.Context, id string, upd transit.TripUpdate) error {
	id = transit.NormalizeTripID(id)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("begin", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM trips WHERE trip_id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	if err != nil {
		return ioErr("lock trip "+id, err)
	}
	status := transit.Status(current)
	if upd.Status != "" && upd.Status != status {
		if status.Terminal() {
			return fmt.Errorf("trip %s is %s: %w", id, status, transit.ErrAlreadyTerminal)
		}
		if !status.CanTransition(upd.Status) {
			return fmt.Errorf("trip %s: %s -> %s: %w", id, status, upd.Status, transit.ErrInvalidInput)
		}
		status = upd.Status
	}

	var currentStop any
	if upd.CurrentStop != nil {
		currentStop = *upd.CurrentStop
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE trips SET
	status = $2,
	actual_start = COALESCE($3, actual_start),
	actual_end = COALESCE($4, actual_end),
	current_stop = COALESCE($5, current_stop)
WHERE trip_id = $1`,
		id, string(status), nullTime(upd.ActualStart), nullTime(upd.ActualEnd), currentStop); err != nil {
		return ioErr("update trip "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return ioErr("commit trip "+id, err)
	}
	return nil
}

// UpdateLedgerEntry writes one ledger row. The actual arrival (and its delay)
// is only taken when none is recorded, has_passed only ever turns true, and
// OnlyIfNotPassed turns the whole write into a no-op for passed entries.
func (s *Store) UpdateLedgerEntry(ctx context.Context, id string, index int, upd transit.LedgerUpdate) (bool, error) {
	id = transit.NormalizeTripID(id)
	var delay any
	if upd.DelayMinutes != nil {
		delay = *upd.DelayMinutes
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE trip_stop_arrivals SET
	actual_arrival = COALESCE(actual_arrival, $3::timestamptz),
	delay_minutes = CASE
		WHEN actual_arrival IS NULL AND $3::timestamptz IS NOT NULL AND $4::integer IS NOT NULL THEN $4::integer
		ELSE delay_minutes END,
	has_passed = has_passed OR $5
WHERE trip_id = $1 AND position = $2 AND (NOT $6 OR NOT has_passed)`,
		id, index, nullTime(upd.ActualArrival), delay, upd.HasPassed, upd.OnlyIfNotPassed)
	if err != nil {
		return false, ioErr(fmt.Sprintf("update ledger %s#%d", id, index), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ioErr("rows affected", err)
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trip_stop_arrivals WHERE trip_id = $1 AND position = $2)`, id, index).Scan(&exists); err != nil {
		return false, ioErr("check ledger entry", err)
	}
	if !exists {
		return false, fmt.Errorf("trip %s ledger index %d: %w", id, index, transit.ErrNotFound)
	}
	return false, nil
}

func (s *Store) AppendFix(ctx context.Context, f transit.Fix) error {
	if f.TripID == "" || f.ID == "" {
		return fmt.Errorf("fix needs an id and a trip: %w", transit.ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO gps_fixes (id, trip_id, bus_registration, ts, lon, lat, speed_kmh, heading, movement, source)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, transit.NormalizeTripID(f.TripID), f.BusRegistration, f.Timestamp.UTC(),
		f.Position.Lon, f.Position.Lat, f.SpeedKmh, f.Heading, string(f.Movement), string(f.Source)); err != nil {
		return ioErr("insert fix", err)
	}
	return nil
}

const fixColumns = `id, trip_id, bus_registration, ts, lon, lat, speed_kmh, heading, movement, source`

func scanFix(row interface{ Scan(...any) error }) (transit.Fix, error) {
	var f transit.Fix
	var movement, source string
	err := row.Scan(&f.ID, &f.TripID, &f.BusRegistration, &f.Timestamp, &f.Position.Lon, &f.Position.Lat, &f.SpeedKmh, &f.Heading, &movement, &source)
	f.Timestamp = f.Timestamp.UTC()
	f.Movement = transit.Movement(movement)
	f.Source = transit.Source(source)
	return f, err
}

// LatestFix returns the newest fix by timestamp, or nil when the trip has none.
func (s *Store) LatestFix(ctx context.Context, tripID string) (*transit.Fix, error) {
	f, err := scanFix(s.db.QueryRowContext(ctx, `
SELECT `+fixColumns+` FROM gps_fixes WHERE trip_id = $1
ORDER BY ts DESC, recorded_at DESC LIMIT 1`, transit.NormalizeTripID(tripID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("query latest fix", err)
	}
	return &f, nil
}

// ListFixes returns up to limit fixes, newest first. limit <= 0 means no limit.
func (s *Store) ListFixes(ctx context.Context, tripID string, limit int) ([]transit.Fix, error) {
	q := `SELECT ` + fixColumns + ` FROM gps_fixes WHERE trip_id = $1 ORDER BY ts DESC, recorded_at DESC`
	args := []any{transit.NormalizeTripID(tripID)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr("query fixes", err)
	}
	defer rows.Close()
	fixes := []transit.Fix{}
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, ioErr("scan fix", err)
		}
		fixes = append(fixes, f)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("read fixes", err)
	}
	return fixes, nil
}

// LatestTripForBus prefers the latest-scheduled open trip and falls back to
// the latest-scheduled trip of any status.
func (s *Store) LatestTripForBus(ctx context.Context, registration string) (*transit.Trip, error) {
	reg := strings.ToUpper(strings.TrimSpace(registration))
	t, err := scanTrip(s.db.QueryRowContext(ctx, `
SELECT `+tripColumns+` FROM trips WHERE bus_registration = $1
ORDER BY (status IN ('completed', 'cancelled')), scheduled_start DESC LIMIT 1`, reg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bus %s has no trips: %w", reg, transit.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query trips of "+reg, err)
	}
	if t.Ledger, err = s.ledger(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}
