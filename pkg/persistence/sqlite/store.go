// Package sqlite implements persistence.Store over the pure-Go
// modernc.org/sqlite driver. The schema is created on open; a trip-log
// database file is safe to delete between runs.
package sqlite

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/vlink/obdcore/pkg/persistence"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Store implements persistence.Store.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite trip-log database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const query = `
	CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		decoder TEXT NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		can_id INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_decoder_recorded ON readings(decoder, recorded_at DESC);
	`
	_, err := s.db.Exec(query)
	return err
}

// SaveReading persists one decoded reading, assigning it a fresh UUID
// when r.ID is empty.
func (s *Store) SaveReading(r persistence.Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	const query = `INSERT INTO readings (id, decoder, name, value, unit, can_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, r.ID, r.Decoder, r.Name, r.Value, r.Unit, r.CANID, r.RecordedAt)
	return err
}

// RecentReadings returns up to limit readings for decoder, newest first.
func (s *Store) RecentReadings(decoder string, limit int) ([]persistence.Record, error) {
	const query = `SELECT id, decoder, name, value, unit, can_id, recorded_at
		FROM readings WHERE decoder = ? ORDER BY recorded_at DESC LIMIT ?`
	rows, err := s.db.Query(query, decoder, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Record
	for rows.Next() {
		var r persistence.Record
		if err := rows.Scan(&r.ID, &r.Decoder, &r.Name, &r.Value, &r.Unit, &r.CANID, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
