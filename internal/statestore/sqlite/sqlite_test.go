package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/tspmhq/tspm/internal/statestore"
)

func TestSinkLifecycleAndQueries(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := sink.EnsureSchema(ctx); err != nil { // idempotent
		t.Fatalf("ensure schema 2: %v", err)
	}

	old := time.Now().Add(-time.Hour).UTC()
	if err := sink.Send(ctx, statestore.EventRecord{
		Kind: "process:start", Name: "svc", PID: 111, OccurredAt: old,
		Data: map[string]any{"instanceId": float64(0)},
	}); err != nil {
		t.Fatalf("send old: %v", err)
	}

	recent := time.Now().UTC()
	if err := sink.Send(ctx, statestore.EventRecord{
		Kind: "process:stop", Name: "svc", PID: 111, OccurredAt: recent,
	}); err != nil {
		t.Fatalf("send recent: %v", err)
	}

	hist, err := sink.GetByName(ctx, "svc", 10)
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(hist))
	}
	if hist[0].Kind != "process:stop" {
		t.Fatalf("expected newest-first ordering, got %+v", hist[0])
	}

	deleted, err := sink.PurgeOlderThan(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly 1 purged row, got %d", deleted)
	}

	hist2, err := sink.GetByName(ctx, "svc", 10)
	if err != nil {
		t.Fatalf("get by name 2: %v", err)
	}
	if len(hist2) != 1 || hist2[0].Kind != "process:stop" {
		t.Fatalf("expected only the recent row to survive purge, got %+v", hist2)
	}
}
