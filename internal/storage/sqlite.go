package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS aircraft (
	icao24        TEXT PRIMARY KEY,
	registration  TEXT,
	aircraft_type TEXT,
	airline       TEXT,
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS flights (
	id            TEXT PRIMARY KEY,
	icao24        TEXT NOT NULL,
	callsign      TEXT,
	flight_number TEXT,
	origin        TEXT,
	destination   TEXT,
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS flights_icao24 ON flights(icao24);
CREATE TABLE IF NOT EXISTS frames (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	flight_id     TEXT NOT NULL,
	icao24        TEXT NOT NULL,
	seen_at       INTEGER NOT NULL,
	lat           REAL NOT NULL,
	lon           REAL NOT NULL,
	heading       INTEGER NOT NULL,
	altitude      INTEGER NOT NULL,
	speed         INTEGER NOT NULL,
	vertical_rate INTEGER NOT NULL,
	squawk        TEXT,
	radar         TEXT,
	on_ground     INTEGER NOT NULL,
	partition_id  TEXT
);
CREATE INDEX IF NOT EXISTS frames_flight_seen ON frames(flight_id, seen_at);
`

const (
	insertAircraftSQL = `INSERT INTO aircraft(icao24, registration, aircraft_type, airline, first_seen, last_seen)
		VALUES(?,?,?,?,?,?) ON CONFLICT(icao24) DO NOTHING`
	touchAircraftSQL = `UPDATE aircraft SET last_seen = ? WHERE icao24 = ? AND last_seen < ?`
	insertFlightSQL  = `INSERT INTO flights(id, icao24, callsign, flight_number, origin, destination, first_seen, last_seen)
		VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`
	touchFlightSQL = `UPDATE flights SET last_seen = ? WHERE id = ? AND last_seen < ?`
	insertFrameSQL = `INSERT INTO frames(flight_id, icao24, seen_at, lat, lon, heading, altitude, speed, vertical_rate, squawk, radar, on_ground, partition_id)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: writes are serialized by the batcher anyway and an
	// in-memory database is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) WriteBatch(ctx context.Context, batch []track.Record) (WriteStats, error) {
	var st WriteStats
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return st, ErrClosed
	}
	if len(batch) == 0 {
		return st, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := make([]*sql.Stmt, 0, 5)
	prep := func(q string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = tx.PrepareContext(ctx, q)
		if stmt != nil {
			stmts = append(stmts, stmt)
		}
		return stmt
	}
	insAircraft := prep(insertAircraftSQL)
	touchAircraft := prep(touchAircraftSQL)
	insFlight := prep(insertFlightSQL)
	touchFlight := prep(touchFlightSQL)
	insFrame := prep(insertFrameSQL)
	defer func() {
		for _, stmt := range stmts {
			_ = stmt.Close()
		}
	}()
	if err != nil {
		return st, err
	}

	for i := range batch {
		r := &batch[i]
		seen := r.LastSeen.Unix()

		if r.ICAO24 != "" {
			n, err := execAffected(ctx, insAircraft, r.ICAO24, nullStr(r.Registration), nullStr(r.AircraftType), nullStr(r.Airline), seen, seen)
			if err != nil {
				return WriteStats{}, fmt.Errorf("aircraft %s: %w", r.ICAO24, err)
			}
			if n > 0 {
				st.NewAircraft++
			} else if _, err := touchAircraft.ExecContext(ctx, seen, r.ICAO24, seen); err != nil {
				return WriteStats{}, fmt.Errorf("aircraft %s: %w", r.ICAO24, err)
			}
		}

		n, err := execAffected(ctx, insFlight, r.ID, r.ICAO24, nullStr(r.Callsign), nullStr(r.FlightNumber), nullStr(r.Origin), nullStr(r.Destination), seen, seen)
		if err != nil {
			return WriteStats{}, fmt.Errorf("flight %s: %w", r.ID, err)
		}
		if n > 0 {
			st.NewFlights++
		} else if _, err := touchFlight.ExecContext(ctx, seen, r.ID, seen); err != nil {
			return WriteStats{}, fmt.Errorf("flight %s: %w", r.ID, err)
		}

		if _, err := insFrame.ExecContext(ctx,
			r.ID, r.ICAO24, seen, r.Lat, r.Lon, r.Heading, r.Altitude, r.Speed, r.VerticalRate,
			nullStr(r.Squawk), nullStr(r.Radar), r.OnGround, nullStr(r.PartitionID),
		); err != nil {
			return WriteStats{}, fmt.Errorf("frame %s: %w", r.ID, err)
		}
		st.Frames++
	}

	if err := tx.Commit(); err != nil {
		return WriteStats{}, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// counts returns the row count of each table.
func (s *sqliteStore) counts(ctx context.Context) (aircraft, flights, frames int, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM aircraft),
		(SELECT COUNT(*) FROM flights),
		(SELECT COUNT(*) FROM frames)`)
	err = row.Scan(&aircraft, &flights, &frames)
	return
}

func execAffected(ctx context.Context, stmt *sql.Stmt, args ...any) (int64, error) {
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
