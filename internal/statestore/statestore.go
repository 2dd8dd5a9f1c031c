// Package statestore unifies two concerns provisr keeps in separate
// packages: internal/store's "durable record of process lifecycle"
// (store.Store's EnsureSchema/RecordStart/RecordStop/UpsertStatus/
// GetByName/GetRunning/PurgeOlderThan contract, grounded on
// internal/store/store.go) and internal/history's "export lifecycle events
// to an external sink" (history.Sink, grounded on internal/history/history.go).
// Both already describe the same thing from spec.md §4.11's point of view —
// a durable record of what the supervision engine did — so they are one
// interface family here: Snapshotter writes the atomic on-disk status.json
// the spec requires, and Sink (with its SQL-backed implementations in the
// statestore/sqlite, statestore/postgres and statestore/clickhouse
// subpackages) is the pluggable history backend.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/managedprocess"
)

// InstanceSnapshot is the per-instance entry of a StateSnapshot, per
// spec.md §3's "name → { pid, startedAt, config, state, restarts, uptime,
// healthy? }" shape.
type InstanceSnapshot struct {
	InstanceID int       `json:"instanceId"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	Healthy    bool      `json:"healthy"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryRSS  int64     `json:"memoryRss"`
	UptimeMS   int64     `json:"uptimeMs"`
}

// ProcessSnapshot is one ManagedProcess's entry within a StateSnapshot.
type ProcessSnapshot struct {
	Name          string             `json:"name"`
	State         string             `json:"state"`
	RestartCount  int                `json:"restartCount"`
	LastStartedAt time.Time          `json:"lastStartedAt"`
	Instances     []InstanceSnapshot `json:"instances"`
}

// StateSnapshot is the serialized on-disk view consumed by external CLIs,
// per spec.md §3. The engine treats it strictly as a derived output, never
// a source of truth: on every engine restart the registry is rebuilt from
// ProcessSpecs, not read back from here.
type StateSnapshot struct {
	GeneratedAt time.Time                  `json:"generatedAt"`
	Processes   map[string]ProcessSnapshot `json:"processes"`
}

// BuildSnapshot converts a []managedprocess.Status (as returned by
// Supervisor.List) into the serializable StateSnapshot shape.
func BuildSnapshot(statuses []managedprocess.Status) StateSnapshot {
	snap := StateSnapshot{
		GeneratedAt: time.Now().UTC(),
		Processes:   make(map[string]ProcessSnapshot, len(statuses)),
	}
	for _, st := range statuses {
		ps := ProcessSnapshot{
			Name:          st.Name,
			State:         st.State.String(),
			RestartCount:  st.RestartCount,
			LastStartedAt: st.LastStartedAt,
		}
		for _, inst := range st.Instances {
			uptime := int64(0)
			if inst.Running && !inst.StartedAt.IsZero() {
				uptime = time.Since(inst.StartedAt).Milliseconds()
			}
			ps.Instances = append(ps.Instances, InstanceSnapshot{
				InstanceID: inst.InstanceID,
				PID:        inst.PID,
				StartedAt:  inst.StartedAt,
				Healthy:    inst.Healthy,
				CPUPercent: inst.CPUPercent,
				MemoryRSS:  inst.MemoryRSS,
				UptimeMS:   uptime,
			})
		}
		snap.Processes[st.Name] = ps
	}
	return snap
}

// Snapshotter writes StateSnapshot to a fixed path atomically: write to a
// temp file in the same directory, fsync, rename over target. Per spec.md
// §4.11 and testable property 10 ("a reader of status.json never observes a
// half-written file"), grounded on the atomicity the store.Store interface
// implies for UpsertStatus without ever specifying a transport — this is
// the on-disk transport spec.md §6 names explicitly.
type Snapshotter struct {
	path string
}

// NewSnapshotter binds a Snapshotter to path (typically the configured
// state directory's status.json).
func NewSnapshotter(path string) *Snapshotter {
	return &Snapshotter{path: path}
}

// Write atomically replaces the file at s.path with snap's JSON encoding.
func (s *Snapshotter) Write(snap StateSnapshot) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".statestore-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("statestore: encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("statestore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("statestore: rename into place: %w", err)
	}
	return nil
}

// Read is a best-effort read of the current snapshot; it never blocks the
// engine and returns a zero StateSnapshot if the file does not yet exist.
func (s *Snapshotter) Read() (StateSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StateSnapshot{}, nil
		}
		return StateSnapshot{}, fmt.Errorf("statestore: read snapshot: %w", err)
	}
	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return StateSnapshot{}, fmt.Errorf("statestore: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// EventKind mirrors provisr's history.EventType, generalized from "start"/
// "stop" to the full eventbus.Type space since every bus event is a
// candidate for export to a history sink, not only start/stop.
type EventKind = eventbus.Type

// EventRecord is one durable history entry, grounded on
// internal/history.Event (Type, OccurredAt, Record) and widened to carry
// the originating ManagedProcess name plus the free-form event payload
// instead of provisr's single store.Record shape.
type EventRecord struct {
	Kind       EventKind
	OccurredAt time.Time
	Name       string
	PID        int
	Data       any
}

// Sink is a destination for history events, per internal/history.Sink.
// Implementations (statestore/sqlite, statestore/postgres,
// statestore/clickhouse) must be safe for concurrent use.
type Sink interface {
	EnsureSchema(ctx context.Context) error
	Send(ctx context.Context, rec EventRecord) error
	Close() error
}

// ListenAndRecord subscribes sink to every bus event via eventbus.Wildcard,
// translating each into an EventRecord. Sink delivery failures are logged
// by the caller-supplied onError hook and never propagate back to the bus,
// matching the "faults local to one listener never cascade" policy spec.md
// §7 requires of every EventBus subscriber.
func ListenAndRecord(bus *eventbus.Bus, sink Sink, onError func(error)) eventbus.Unsubscribe {
	return bus.Subscribe(eventbus.Wildcard, eventbus.Normal, func(ctx context.Context, ev eventbus.Event) error {
		rec := EventRecord{
			Kind:       ev.Type,
			OccurredAt: ev.Ts,
			Name:       ev.Source,
			Data:       ev.Data,
		}
		if err := sink.Send(ctx, rec); err != nil && onError != nil {
			onError(err)
		}
		return nil
	})
}
