package tspm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tspmhq/tspm/internal/config"
	"github.com/tspmhq/tspm/internal/managedprocess"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tspm.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDaemonLoadSpecsRegistersEveryProcess(t *testing.T) {
	path := writeConfig(t, `
[[processes]]
name = "svc-a"
script = "/bin/true"

[[processes]]
name = "svc-b"
script = "/bin/true"
`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.LoadSpecs(context.Background()); err != nil {
		t.Fatalf("load specs: %v", err)
	}

	statuses := d.Supervisor().List()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 registered processes, got %d", len(statuses))
	}
}

func TestDaemonStartAllAndShutdown(t *testing.T) {
	path := writeConfig(t, `
[[processes]]
name = "svc"
script = "/bin/sleep 5"
`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.LoadSpecs(context.Background()); err != nil {
		t.Fatalf("load specs: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for name, startErr := range d.StartAll(context.Background()) {
		if startErr != nil {
			t.Fatalf("start %s: %v", name, startErr)
		}
	}

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestDaemonCronScheduledSpecIsNotAutoStarted(t *testing.T) {
	path := writeConfig(t, `
[[processes]]
name = "nightly"
script = "/bin/true"
cron = "0 0 * * *"
`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.LoadSpecs(context.Background()); err != nil {
		t.Fatalf("load specs: %v", err)
	}

	statuses := d.Supervisor().List()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 registered process, got %d", len(statuses))
	}
	if statuses[0].State != managedprocess.StateStopped {
		t.Fatalf("expected cron-scheduled spec to stay STOPPED after LoadSpecs, got %s", statuses[0].State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
