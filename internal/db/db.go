package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/matching"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrShapeNotFound is returned when a shape has no points.
var ErrShapeNotFound = errors.New("shape not found")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store reads the GTFS schedule (as imported by gtfs-via-postgres) and
// keeps the vehicle position history.
type Store struct {
	db  *sql.DB
	q   querier
	loc *time.Location
}

func NewStore(db *sql.DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{db: db, q: db, loc: loc}
}

// RunInTx calls fn with a Store bound to a single transaction, committing
// if fn returns nil and rolling back otherwise. Nested calls reuse the
// outer transaction.
func (s *Store) RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, loc: s.loc}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EnsureSchema creates the vehicle position table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := `
CREATE TABLE IF NOT EXISTS vehicle_positions (
  vehicle_id TEXT NOT NULL,
  location geography(POINT) NOT NULL,
  hdop REAL NOT NULL,
  pax INTEGER,
  t TIMESTAMPTZ NOT NULL,
  CONSTRAINT vehicle_positions_unique UNIQUE (vehicle_id, t)
);
CREATE INDEX IF NOT EXISTS vehicle_positions_vehicle_t ON vehicle_positions (vehicle_id, t);`
	if _, err := s.q.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create vehicle_positions: %w", err)
	}
	return nil
}

// FindCandidateRuns returns the runs on the window's service days with an
// arrival inside the window.
func (s *Store) FindCandidateRuns(ctx context.Context, w matching.CandidateWindow) ([]gtfs.RunCandidate, error) {
	q := `
SELECT DISTINCT ad.trip_id, ad.date::text, COALESCE(t.shape_id, '')
FROM arrivals_departures ad
JOIN trips t ON t.trip_id = ad.trip_id
WHERE ad.date = ANY($1::date[])
  AND ad.t_arrival >= $2 AND ad.t_arrival <= $3`
	rows, err := s.q.QueryContext(ctx, q, w.Dates, w.ArrivalMin, w.ArrivalMax)
	if err != nil {
		return nil, fmt.Errorf("query candidate runs: %w", err)
	}
	defer rows.Close()

	var out []gtfs.RunCandidate
	for rows.Next() {
		var c gtfs.RunCandidate
		if err := rows.Scan(&c.TripID, &c.Date, &c.ShapeID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FetchCurrentRuns returns the runs scheduled around the window, with the
// route and headsign needed for planned positions.
func (s *Store) FetchCurrentRuns(ctx context.Context, w matching.CandidateWindow) ([]gtfs.CurrentRun, error) {
	q := `
SELECT DISTINCT ad.trip_id, ad.date::text, ad.route_id,
       COALESCE(r.route_short_name, ''), COALESCE(t.trip_headsign, ''), COALESCE(t.shape_id, '')
FROM arrivals_departures ad
JOIN trips t ON t.trip_id = ad.trip_id
JOIN routes r ON r.route_id = ad.route_id
WHERE ad.date = ANY($1::date[])
  AND ad.t_arrival >= $2 AND ad.t_arrival <= $3`
	rows, err := s.q.QueryContext(ctx, q, w.Dates, w.ArrivalMin, w.ArrivalMax)
	if err != nil {
		return nil, fmt.Errorf("query current runs: %w", err)
	}
	defer rows.Close()

	var out []gtfs.CurrentRun
	for rows.Next() {
		var r gtfs.CurrentRun
		if err := rows.Scan(&r.TripID, &r.Date, &r.RouteID, &r.RouteShortName, &r.Headsign, &r.ShapeID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchRun returns the stop sequence of a run together with its shape.
// gtfs.ErrRunNotFound is returned for unknown (trip, date) pairs.
func (s *Store) FetchRun(ctx context.Context, tripID, date string) (*gtfs.Run, error) {
	var run *gtfs.Run
	// one snapshot for stops and shape
	err := s.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *Store) error {
		var err error
		if run, err = tx.FetchStopSequence(ctx, tripID, date); err != nil {
			return err
		}
		run.Shape, err = tx.FetchShape(ctx, run.ShapeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FetchStopSequence returns a run's trip data and stop times, ordered by
// stop sequence, without its shape.
func (s *Store) FetchStopSequence(ctx context.Context, tripID, date string) (*gtfs.Run, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	cols, err := hasColumns(ctx, s.q, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	loc := `COALESCE(s.stop_lat, 0), COALESCE(s.stop_lon, 0)`
	if !cols["stop_lat"] || !cols["stop_lon"] {
		loc = `COALESCE(ST_Y(s.stop_loc::geometry), 0), COALESCE(ST_X(s.stop_loc::geometry), 0)`
	}
	q := `
SELECT ad.route_id, COALESCE(r.route_short_name, ''), COALESCE(t.shape_id, ''),
       COALESCE(t.trip_headsign, ''), t.service_id,
       ad.stop_sequence, ad.stop_id, ad.shape_dist_traveled,
       ad.t_arrival, ad.t_departure, ` + loc + `
FROM arrivals_departures ad
JOIN trips t ON t.trip_id = ad.trip_id
JOIN routes r ON r.route_id = ad.route_id
JOIN stops s ON s.stop_id = ad.stop_id
WHERE ad.trip_id = $1 AND ad.date = $2::date
ORDER BY ad.stop_sequence`
	rows, err := s.q.QueryContext(ctx, q, tripID, date)
	if err != nil {
		return nil, fmt.Errorf("query stop sequence: %w", err)
	}
	defer rows.Close()

	run := &gtfs.Run{Trip: gtfs.Trip{TripID: tripID}, Date: date}
	for rows.Next() {
		var (
			st       gtfs.StopTime
			dist     sql.NullFloat64
			arr, dep sql.NullTime
		)
		if err := rows.Scan(&run.RouteID, &run.RouteShortName, &run.ShapeID,
			&run.Headsign, &run.ServiceID,
			&st.StopSequence, &st.StopID, &dist,
			&arr, &dep, &st.StopLat, &st.StopLon); err != nil {
			return nil, err
		}
		run.StopTimes = append(run.StopTimes, s.stopTime(st, dist, arr, dep))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(run.StopTimes) == 0 {
		return nil, fmt.Errorf("trip %s on %s: %w", tripID, date, gtfs.ErrRunNotFound)
	}
	return run, nil
}

func (s *Store) stopTime(st gtfs.StopTime, dist sql.NullFloat64, arr, dep sql.NullTime) gtfs.StopTime {
	if dist.Valid {
		d := dist.Float64
		st.ShapeDistTraveled = &d
	}
	if arr.Valid {
		st.Arrival = arr.Time.In(s.loc)
	}
	if dep.Valid {
		st.Departure = dep.Time.In(s.loc)
	}
	// a stop lacking one of both times is passed through at the other
	if st.Arrival.IsZero() {
		st.Arrival = st.Departure
	}
	if st.Departure.IsZero() {
		st.Departure = st.Arrival
	}
	return st
}

// FetchShape returns the ordered points of a shape.
func (s *Store) FetchShape(ctx context.Context, shapeID string) ([]gtfs.ShapePoint, error) {
	if shapeID == "" {
		return nil, fmt.Errorf("empty shape id: %w", ErrShapeNotFound)
	}
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	cols, err := hasColumns(ctx, s.q, "public", "shapes", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	switch {
	case cols["shape_pt_lat"] && cols["shape_pt_lon"]:
		q = `SELECT shape_pt_lat, shape_pt_lon, shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	case cols["shape_pt_loc"]:
		q = `SELECT ST_Y(shape_pt_loc::geometry), ST_X(shape_pt_loc::geometry),
                    shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	default:
		return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
	}
	rows, err := s.q.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("shape %s: %w", shapeID, ErrShapeNotFound)
	}
	return pts, nil
}

// FetchVehiclePositions returns up to limit of the most recent positions
// of a vehicle within [from, to], oldest first.
func (s *Store) FetchVehiclePositions(ctx context.Context, vehicleID string, from, to time.Time, limit int) ([]gtfs.VehiclePositionSample, error) {
	q := `
SELECT vehicle_id, lon, lat, hdop, pax, t FROM (
  SELECT vehicle_id, ST_X(location::geometry) AS lon, ST_Y(location::geometry) AS lat, hdop, pax, t
  FROM vehicle_positions
  WHERE vehicle_id = $1 AND t >= $2 AND t <= $3
  ORDER BY t DESC
  LIMIT $4
) latest
ORDER BY t ASC`
	rows, err := s.q.QueryContext(ctx, q, vehicleID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query vehicle positions: %w", err)
	}
	defer rows.Close()

	var out []gtfs.VehiclePositionSample
	for rows.Next() {
		var (
			p   gtfs.VehiclePositionSample
			pax sql.NullInt64
		)
		if err := rows.Scan(&p.VehicleID, &p.Lon, &p.Lat, &p.Precision, &pax, &p.ObservedAt); err != nil {
			return nil, err
		}
		if pax.Valid {
			n := int(pax.Int64)
			p.Pax = &n
		}
		p.ObservedAt = p.ObservedAt.In(s.loc)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertVehiclePosition stores a sample, replacing an earlier one of the
// same vehicle and time.
func (s *Store) InsertVehiclePosition(ctx context.Context, p gtfs.VehiclePositionSample) error {
	var pax sql.NullInt64
	if p.Pax != nil {
		pax = sql.NullInt64{Int64: int64(*p.Pax), Valid: true}
	}
	q := `
INSERT INTO vehicle_positions (vehicle_id, location, hdop, pax, t)
VALUES ($1, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4, $5, $6)
ON CONFLICT ON CONSTRAINT vehicle_positions_unique DO UPDATE SET
  location = EXCLUDED.location,
  hdop = EXCLUDED.hdop,
  pax = EXCLUDED.pax`
	if _, err := s.q.ExecContext(ctx, q, p.VehicleID, p.Lon, p.Lat, p.Precision, pax, p.ObservedAt); err != nil {
		return fmt.Errorf("insert vehicle position: %w", err)
	}
	return nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, q querier, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	rows, err := q.QueryContext(ctx, `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
