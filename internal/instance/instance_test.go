package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tspmhq/tspm/internal/procspec"
)

func TestSpawnAndReapOnce(t *testing.T) {
	in := New("echo-proc", 0, 0)
	spec := &procspec.Spec{Name: "echo-proc", Script: "/bin/sh", Args: []string{"-c", "exit 0"}}

	reapCount := 0
	done := make(chan ExitInfo, 1)
	err := in.Spawn(context.Background(), spec, nil, nil, nil, func(info ExitInfo) {
		reapCount++
		done <- info
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case info := <-done:
		if info.ExitCode != 0 {
			t.Fatalf("expected exit code 0, got %d", info.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reap")
	}

	time.Sleep(20 * time.Millisecond)
	if reapCount != 1 {
		t.Fatalf("expected exactly one reap, got %d", reapCount)
	}
	if in.Running() {
		t.Fatal("expected Running()==false after reap")
	}
	if in.PID() != 0 {
		t.Fatal("expected PID cleared after reap")
	}
}

func TestStopEscalatesToForcefulAfterKillTimeout(t *testing.T) {
	in := New("sleeper", 0, 0)
	spec := &procspec.Spec{Name: "sleeper", Script: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 10"}}

	reaped := make(chan ExitInfo, 1)
	if err := in.Spawn(context.Background(), spec, nil, nil, nil, func(info ExitInfo) { reaped <- info }); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	start := time.Now()
	if err := in.Stop(context.Background(), 150*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > 3*time.Second {
		t.Fatalf("stop took too long: %v", elapsed)
	}

	select {
	case <-reaped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reap after forceful kill")
	}
}

func TestLineWriterSplitsOnNewlines(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	w := NewLineWriter(nil, func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	if _, err := w.Write([]byte("one\ntwo\nthr")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("ee\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), lines...)
	mu.Unlock()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestLineWriterFlushesPartialLineOnClose(t *testing.T) {
	var lines []string
	w := NewLineWriter(nil, func(line string) {
		lines = append(lines, line)
	})

	if _, err := w.Write([]byte("no newline yet")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no line emitted before newline or Close, got %v", lines)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(lines) != 1 || lines[0] != "no newline yet" {
		t.Fatalf("expected partial line flushed on Close, got %v", lines)
	}
}

func TestSnapshotFieldsAfterExit(t *testing.T) {
	in := New("fail-proc", 2, 1)
	spec := &procspec.Spec{Name: "fail-proc", Script: "/bin/sh", Args: []string{"-c", "exit 3"}}

	done := make(chan struct{})
	if err := in.Spawn(context.Background(), spec, nil, nil, nil, func(info ExitInfo) { close(done) }); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-done
	time.Sleep(20 * time.Millisecond)

	snap := in.Snapshot()
	if snap.InstanceID != 2 {
		t.Fatalf("expected instanceID 2, got %d", snap.InstanceID)
	}
	if snap.Restarts != 1 {
		t.Fatalf("expected restarts seeded to 1, got %d", snap.Restarts)
	}
	if snap.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", snap.ExitCode)
	}
}
