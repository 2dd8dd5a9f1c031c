// Package clickhouse is a statestore.Sink backed by the official
// github.com/ClickHouse/clickhouse-go/v2 client, grounded on provisr's
// internal/history/clickhouse/clickhouse.go (clickhouse.Open with
// clickhouse.Options{Addr, Auth}, Ping-on-connect, Exec-based inserts),
// adapted from history.Event/store.Record's fixed start/stop columns to
// statestore.EventRecord's {kind, name, pid, occurred_at, data} shape, the
// same table layout statestore/sqlite and statestore/postgres use.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/tspmhq/tspm/internal/statestore"
)

// Sink implements statestore.Sink against a ClickHouse table.
type Sink struct {
	conn  driver.Conn
	table string
}

// New opens a connection to addr (host:port), pinging immediately to fail
// fast on unreachable servers.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("statestore/clickhouse: connect: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("statestore/clickhouse: ping: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		kind String,
		name String,
		pid UInt32,
		occurred_at DateTime64(6),
		data String
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, name)`, s.table)
	return s.conn.Exec(ctx, stmt)
}

func (s *Sink) Send(ctx context.Context, rec statestore.EventRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("statestore/clickhouse: marshal data: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (kind, name, pid, occurred_at, data) VALUES (?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query, string(rec.Kind), rec.Name, rec.PID, rec.OccurredAt, string(data)); err != nil {
		return fmt.Errorf("statestore/clickhouse: insert: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
