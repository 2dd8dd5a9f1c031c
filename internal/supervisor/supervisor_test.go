package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/procspec"
	"github.com/tspmhq/tspm/internal/restartpolicy"
)

func sleeperSpec(name string) procspec.Spec {
	return procspec.Spec{Name: name, Script: "/bin/sh", Args: []string{"-c", "sleep 5"}, Instances: 1}
}

func TestAddProcessRejectsDuplicateName(t *testing.T) {
	s := New(eventbus.New(), nil, nil, nil)
	if _, err := s.AddProcess(sleeperSpec("dup")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.AddProcess(sleeperSpec("dup")); err == nil {
		t.Fatal("expected duplicate name to fail")
	}
}

func TestRemoveProcessIfExistsIsIdempotent(t *testing.T) {
	s := New(eventbus.New(), nil, nil, nil)
	if err := s.RemoveProcess(context.Background(), "missing", true); err != nil {
		t.Fatalf("expected no error with ifExists, got %v", err)
	}
	if err := s.RemoveProcess(context.Background(), "missing", false); err == nil {
		t.Fatal("expected error without ifExists for unknown name")
	}
}

func TestNamespaceAndClusterGroupIndexesStayCoherent(t *testing.T) {
	s := New(eventbus.New(), nil, nil, nil)
	spec := sleeperSpec("svc-a")
	spec.Namespace = "web"
	spec.ClusterGroup = "frontend"
	if _, err := s.AddProcess(spec); err != nil {
		t.Fatalf("add: %v", err)
	}
	if names := s.ByNamespace("web"); len(names) != 1 || names[0] != "svc-a" {
		t.Fatalf("expected [svc-a] in namespace web, got %v", names)
	}
	if names := s.ByClusterGroup("frontend"); len(names) != 1 {
		t.Fatalf("expected 1 member in clusterGroup frontend, got %v", names)
	}

	if err := s.RemoveProcess(context.Background(), "svc-a", false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if names := s.ByNamespace("web"); len(names) != 0 {
		t.Fatalf("expected namespace index cleared after remove, got %v", names)
	}
	if names := s.ByClusterGroup("frontend"); len(names) != 0 {
		t.Fatalf("expected clusterGroup index cleared after remove, got %v", names)
	}
}

func TestStartAllIsBestEffortAndReportsFailures(t *testing.T) {
	s := New(eventbus.New(), nil, nil, nil)
	if _, err := s.AddProcess(sleeperSpec("ok-1")); err != nil {
		t.Fatalf("add ok-1: %v", err)
	}
	bad := procspec.Spec{Name: "bad-1", Script: "/nonexistent/binary-xyz", Instances: 1, MinUptime: 0}
	if _, err := s.AddProcess(bad); err != nil {
		t.Fatalf("add bad-1: %v", err)
	}

	errs := s.StartAll(context.Background())
	if _, failed := errs["bad-1"]; !failed {
		t.Fatalf("expected bad-1 to fail to start, got errs=%v", errs)
	}
	if _, failed := errs["ok-1"]; failed {
		t.Fatalf("expected ok-1 to start successfully, got errs=%v", errs)
	}
	_ = s.StopAll(context.Background(), restartpolicy.ReasonManual)
}

func TestListReturnsConsistentSnapshot(t *testing.T) {
	s := New(eventbus.New(), nil, nil, nil)
	if _, err := s.AddProcess(sleeperSpec("svc-b")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.StartProcess(context.Background(), "svc-b"); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	statuses := s.List()
	if len(statuses) != 1 || statuses[0].Name != "svc-b" {
		t.Fatalf("expected one svc-b status, got %+v", statuses)
	}
	_ = s.StopAll(context.Background(), restartpolicy.ReasonManual)
}

func TestClusterViewDegenerateSingleMember(t *testing.T) {
	s := New(eventbus.New(), nil, nil, nil)
	spec := sleeperSpec("svc-c")
	spec.ClusterGroup = "solo"
	if _, err := s.AddProcess(spec); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.StartProcess(context.Background(), "svc-c"); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	view := s.ClusterView("solo")
	if len(view.Instances) != 1 {
		t.Fatalf("expected a degenerate one-element cluster view, got %d", len(view.Instances))
	}
	_ = s.StopAll(context.Background(), restartpolicy.ReasonManual)
}
