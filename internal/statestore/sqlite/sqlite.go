// Package sqlite is a statestore.Sink backed by modernc.org/sqlite (pure
// Go, no cgo), grounded on provisr's internal/store/sqlite/sqlite.go: same
// driver, same single-connection-for-:memory: guard and same
// busy_timeout pragma, adapted from store.Record's upserted process_state
// table to an append-only process_events table (plain INSERTs, no upsert)
// matching statestore.EventRecord.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tspmhq/tspm/internal/statestore"
)

// Sink implements statestore.Sink against a SQLite database file. Use
// ":memory:" as path for an ephemeral, test-only sink.
type Sink struct {
	db *sql.DB
}

// New opens path, forcing a single connection for in-memory databases so
// schema and rows stay visible across EnsureSchema/Send/GetByName calls —
// otherwise each connection would see its own isolated :memory: database.
func New(path string) (*Sink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("statestore/sqlite: empty path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	return &Sink{db: db}, nil
}

func (s *Sink) EnsureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS process_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, rec statestore.EventRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}
	occurredAt := rec.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_events(kind, name, pid, occurred_at, data)
		VALUES(?, ?, ?, ?, ?);`,
		string(rec.Kind), rec.Name, rec.PID, occurredAt, string(data))
	return err
}

// GetByName returns the most recent limit events recorded for name, newest
// first, mirroring store.Store.GetByName's shape.
func (s *Sink) GetByName(ctx context.Context, name string, limit int) ([]statestore.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, name, pid, occurred_at, data FROM process_events
		WHERE name = ? ORDER BY occurred_at DESC LIMIT ?;`, name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []statestore.EventRecord
	for rows.Next() {
		var rec statestore.EventRecord
		var kind, data string
		if err := rows.Scan(&kind, &rec.Name, &rec.PID, &rec.OccurredAt, &data); err != nil {
			return nil, err
		}
		rec.Kind = statestore.EventKind(kind)
		var payload any
		if err := json.Unmarshal([]byte(data), &payload); err == nil {
			rec.Data = payload
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes events recorded before olderThan, returning the
// number of rows removed, mirroring store.Store.PurgeOlderThan.
func (s *Sink) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_events WHERE occurred_at < ?;`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Sink) Close() error { return s.db.Close() }
