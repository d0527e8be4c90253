package diagnostics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Store archives diagnostic records in SQLite so a stuck session can be
// inspected after the page is gone.
type Store struct {
	db       *sql.DB
	failures atomic.Uint64
}

// OpenStore opens (or creates) the archive at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: pragma: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS diagnostic_log (
			log_id     INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_unix_ms INTEGER NOT NULL,
			level      TEXT NOT NULL,
			tag        TEXT NOT NULL,
			message    TEXT NOT NULL,
			data_json  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_diagnostic_log_ts ON diagnostic_log (ts_unix_ms);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts r. Write errors are counted, never returned.
func (s *Store) Record(r Record) {
	var data any
	if len(r.Data) > 0 {
		encoded, err := json.Marshal(r.Data)
		if err != nil {
			encoded, _ = json.Marshal(fmt.Sprint(r.Data))
		}
		data = string(encoded)
	}

	_, err := s.db.Exec(
		`INSERT INTO diagnostic_log (ts_unix_ms, level, tag, message, data_json) VALUES (?, ?, ?, ?, ?)`,
		r.Timestamp.UnixMilli(), r.Level, r.Tag, r.Message, data,
	)
	if err != nil {
		s.failures.Add(1)
	}
}

// Failures returns how many records could not be written.
func (s *Store) Failures() uint64 {
	return s.failures.Load()
}

// Recent returns up to limit of the newest records, oldest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultBufferSize
	}

	rows, err := s.db.Query(`
		SELECT ts_unix_ms, level, tag, message, data_json FROM (
			SELECT log_id, ts_unix_ms, level, tag, message, data_json
			FROM diagnostic_log ORDER BY log_id DESC LIMIT ?
		) ORDER BY log_id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			ts   int64
			rec  Record
			data sql.NullString
		)
		if err := rows.Scan(&ts, &rec.Level, &rec.Tag, &rec.Message, &data); err != nil {
			return nil, fmt.Errorf("diagnostics: scan: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
				rec.Data = map[string]any{"raw": data.String}
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
