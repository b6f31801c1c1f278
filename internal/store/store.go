// Package store persists estimates and the reports behind them in SQLite
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/export"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/tracker"
)

//go:embed schema.sql
var schemaSQL string

// pragmas are applied by the driver to every new connection
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	q := make([]string, len(pragmas))
	for i, p := range pragmas {
		q[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(q, "&")
}

// Store is a tracker.Publisher backed by a SQLite database
type Store struct {
	db *sql.DB
}

// Session summarizes one tracker run
type Session struct {
	ID        string
	Estimates int
	First     time.Time
	Last      time.Time
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; WAL still lets readers in from other processes
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Publish implements tracker.Publisher. The estimate and its reports are
// written in one transaction.
func (s *Store) Publish(est tracker.Estimate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO estimates (session, cycle, time_ns, x, y) VALUES (?, ?, ?, ?, ?)`,
		est.Session, int64(est.Cycle), est.Time.UnixNano(), est.Position.X, est.Position.Y,
	)
	if err != nil {
		return fmt.Errorf("failed to store estimate %d: %w", est.Cycle, err)
	}
	for _, r := range est.Reports {
		_, err = tx.Exec(
			`INSERT INTO reports (session, cycle, anchor_id, distance, x, y) VALUES (?, ?, ?, ?, ?, ?)`,
			est.Session, int64(est.Cycle), r.AnchorID, r.Distance, r.Position.X, r.Position.Y,
		)
		if err != nil {
			return fmt.Errorf("failed to store report of anchor %d: %w", r.AnchorID, err)
		}
	}
	return tx.Commit()
}

// Sessions lists the stored sessions, oldest first
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session, COUNT(*), MIN(time_ns), MAX(time_ns)
		FROM estimates
		GROUP BY session
		ORDER BY MIN(time_ns)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var ss Session
		var first, last int64
		if err := rows.Scan(&ss.ID, &ss.Estimates, &first, &last); err != nil {
			return nil, err
		}
		ss.First = time.Unix(0, first).UTC()
		ss.Last = time.Unix(0, last).UTC()
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// Track returns the estimates of a session ordered by cycle
func (s *Store) Track(session string) ([]export.Point, error) {
	rows, err := s.db.Query(
		`SELECT cycle, time_ns, x, y FROM estimates WHERE session = ? ORDER BY cycle`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query track: %w", err)
	}
	defer rows.Close()

	var track []export.Point
	for rows.Next() {
		var p export.Point
		var cycle, ns int64
		if err := rows.Scan(&cycle, &ns, &p.Position.X, &p.Position.Y); err != nil {
			return nil, err
		}
		p.Cycle = uint64(cycle)
		p.Time = time.Unix(0, ns).UTC()
		track = append(track, p)
	}
	return track, rows.Err()
}

// Reports returns the reports that produced one estimate, by anchor id
func (s *Store) Reports(session string, cycle uint64) ([]aggregator.Report, error) {
	rows, err := s.db.Query(
		`SELECT anchor_id, distance, x, y FROM reports WHERE session = ? AND cycle = ? ORDER BY anchor_id`,
		session, int64(cycle))
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []aggregator.Report
	for rows.Next() {
		var r aggregator.Report
		var x, y float64
		if err := rows.Scan(&r.AnchorID, &r.Distance, &x, &y); err != nil {
			return nil, err
		}
		r.Position = geom.Point{X: x, Y: y}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// DeleteSession removes a session and its reports
func (s *Store) DeleteSession(session string) error {
	if _, err := s.db.Exec(`DELETE FROM estimates WHERE session = ?`, session); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", session, err)
	}
	return nil
}
