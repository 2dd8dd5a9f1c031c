package monitor

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/tspmhq/tspm/internal/eventbus"
)

func startSleeper(t *testing.T) (*exec.Cmd, func()) {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleeper: %v", err)
	}
	return cmd, func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() }
}

func TestSampleOneEmitsMetricsUpdate(t *testing.T) {
	if os.Getenv("CI_NO_SUBPROCESS") != "" {
		t.Skip("subprocess sampling unavailable")
	}
	cmd, cleanup := startSleeper(t)
	defer cleanup()

	bus := eventbus.New()
	seen := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.MetricsUpdate, eventbus.Normal, func(ctx context.Context, ev eventbus.Event) error {
		select {
		case seen <- ev:
		default:
		}
		return nil
	})

	m := New(20*time.Millisecond, bus, nil, nil)
	m.Watch(Target{
		ProcessName: "svc", InstanceID: 0,
		PID:       func() int { return cmd.Process.Pid },
		SetSample: func(float64, int64) {},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case <-seen:
	case <-time.After(1 * time.Second):
		t.Fatal("expected a METRICS_UPDATE event within 1s")
	}
}

func TestSampleOneTriggersOOMOnceOverThreshold(t *testing.T) {
	if os.Getenv("CI_NO_SUBPROCESS") != "" {
		t.Skip("subprocess sampling unavailable")
	}
	cmd, cleanup := startSleeper(t)
	defer cleanup()

	var oomCalls int
	bus := eventbus.New()
	m := New(10*time.Millisecond, bus, func(name string, id int) { oomCalls++ }, nil)
	m.Watch(Target{
		ProcessName: "svc", InstanceID: 0,
		PID:       func() int { return cmd.Process.Pid },
		SetSample: func(float64, int64) {},
		MaxMemory: 1, // any real RSS exceeds 1 byte
	})

	for i := 0; i < 5; i++ {
		m.sampleAll()
	}
	if oomCalls == 0 {
		t.Fatal("expected at least one OOM callback once RSS exceeds MaxMemory")
	}
}

func TestUnwatchStopsSampling(t *testing.T) {
	m := New(10*time.Millisecond, nil, nil, nil)
	m.Watch(Target{ProcessName: "svc", InstanceID: 0, PID: func() int { return 0 }})
	m.Unwatch(0)
	m.mu.Lock()
	_, ok := m.targets[0]
	m.mu.Unlock()
	if ok {
		t.Fatal("expected target removed after Unwatch")
	}
}
