package cronsched

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/procspec"
	"github.com/tspmhq/tspm/internal/supervisor"
)

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	bus := eventbus.New()
	envFn := func(spec *procspec.Spec, instanceID int) []string { return nil }
	logFn := func(spec *procspec.Spec, instanceID int) (io.WriteCloser, io.WriteCloser, error) { return nil, nil, nil }
	return supervisor.New(bus, envFn, logFn, nil)
}

func TestAddRejectsAutoRestartSpec(t *testing.T) {
	sched := New(newTestSupervisor(t), nil)
	sp := procspec.Spec{Name: "bad", Cron: "* * * * *", AutoRestart: true}
	if err := sched.Add(sp); err == nil {
		t.Fatal("expected error for autorestart+cron spec")
	}
}

func TestAddIgnoresSpecWithoutCron(t *testing.T) {
	sched := New(newTestSupervisor(t), nil)
	if err := sched.Add(procspec.Spec{Name: "plain"}); err != nil {
		t.Fatalf("expected no-op for spec without cron, got %v", err)
	}
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	sched := New(newTestSupervisor(t), nil)
	sp := procspec.Spec{Name: "bad-schedule", Cron: "not a schedule"}
	if err := sched.Add(sp); err == nil {
		t.Fatal("expected error for an invalid cron expression")
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	sched := New(newTestSupervisor(t), nil)
	sp := procspec.Spec{Name: "dup", Cron: "* * * * *"}
	if err := sched.Add(sp); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := sched.Add(sp); err == nil {
		t.Fatal("expected error scheduling the same process name twice")
	}
}

func TestStartAndStopDrainsCleanly(t *testing.T) {
	sup := newTestSupervisor(t)
	sched := New(sup, nil)
	sp := procspec.Spec{Name: "svc", Script: "/bin/true"}
	sp.ApplyDefaults()
	if _, err := sup.AddProcess(sp); err != nil {
		t.Fatalf("add process: %v", err)
	}

	if err := sched.Add(procspec.Spec{Name: "svc", Cron: "* * * * *"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	sched.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRemoveThenAddAgainSucceeds(t *testing.T) {
	sched := New(newTestSupervisor(t), nil)
	sp := procspec.Spec{Name: "re-add", Cron: "* * * * *"}
	if err := sched.Add(sp); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.Remove("re-add")
	if err := sched.Add(sp); err != nil {
		t.Fatalf("expected re-add to succeed after Remove, got %v", err)
	}
}
