package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/instance"
	"github.com/tspmhq/tspm/internal/managedprocess"
)

func TestBuildSnapshotComputesUptimeForRunningInstances(t *testing.T) {
	started := time.Now().Add(-2 * time.Second)
	statuses := []managedprocess.Status{
		{
			Name:         "svc",
			State:        managedprocess.StateRunning,
			RestartCount: 1,
			Instances: []instance.Status{
				{InstanceID: 0, PID: 123, StartedAt: started, Running: true, Healthy: true},
			},
		},
	}
	snap := BuildSnapshot(statuses)
	ps, ok := snap.Processes["svc"]
	if !ok {
		t.Fatalf("expected svc entry in snapshot, got %+v", snap.Processes)
	}
	if len(ps.Instances) != 1 || ps.Instances[0].UptimeMS < 1000 {
		t.Fatalf("expected uptime >= 1000ms, got %+v", ps.Instances)
	}
}

func TestSnapshotterWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	snapshotter := NewSnapshotter(filepath.Join(dir, "status.json"))

	snap := StateSnapshot{
		GeneratedAt: time.Now().UTC(),
		Processes: map[string]ProcessSnapshot{
			"svc": {Name: "svc", State: "RUNNING", RestartCount: 2},
		},
	}
	if err := snapshotter.Write(snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := snapshotter.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Processes["svc"].RestartCount != 2 {
		t.Fatalf("expected round-tripped restartCount=2, got %+v", got.Processes["svc"])
	}
}

func TestSnapshotterReadMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	snapshotter := NewSnapshotter(filepath.Join(dir, "missing.json"))
	got, err := snapshotter.Read()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(got.Processes) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", got)
	}
}

type fakeSink struct {
	records []EventRecord
}

func (f *fakeSink) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeSink) Send(ctx context.Context, rec EventRecord) error {
	f.records = append(f.records, rec)
	return nil
}
func (f *fakeSink) Close() error { return nil }

func TestListenAndRecordTranslatesBusEventsToHistoryRecords(t *testing.T) {
	bus := eventbus.New()
	sink := &fakeSink{}
	unsub := ListenAndRecord(bus, sink, func(err error) { t.Fatalf("unexpected sink error: %v", err) })
	defer unsub()

	bus.Emit(context.Background(), eventbus.Event{
		Type:   eventbus.ProcessStart,
		Source: "svc",
		Data:   map[string]any{"instanceId": 0},
	})

	if len(sink.records) != 1 {
		t.Fatalf("expected 1 recorded event, got %d", len(sink.records))
	}
	if sink.records[0].Kind != eventbus.ProcessStart || sink.records[0].Name != "svc" {
		t.Fatalf("unexpected record: %+v", sink.records[0])
	}
}
