package logmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tspmhq/tspm/internal/procspec"
)

func TestWritersDerivesPathsFromDirWhenUnset(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	spec := &procspec.Spec{Name: "svc"}

	outW, errW, err := cfg.Writers(spec, 0)
	if err != nil {
		t.Fatalf("writers: %v", err)
	}
	defer func() { _ = outW.Close(); _ = errW.Close() }()

	if _, err := outW.Write([]byte("hello stdout\n")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	if _, err := errW.Write([]byte("hello stderr\n")); err != nil {
		t.Fatalf("write stderr: %v", err)
	}
	_ = outW.Close()
	_ = errW.Close()

	if _, err := os.Stat(filepath.Join(dir, "svc-0.stdout.log")); err != nil {
		t.Fatalf("expected stdout log file to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "svc-0.stderr.log")); err != nil {
		t.Fatalf("expected stderr log file to exist: %v", err)
	}
}

func TestWritersCombinesStreamsWhenCombineLogsSet(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	spec := &procspec.Spec{Name: "svc", CombineLogs: true}

	outW, errW, err := cfg.Writers(spec, 1)
	if err != nil {
		t.Fatalf("writers: %v", err)
	}

	if _, err := outW.Write([]byte("stdout line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := errW.Write([]byte("stderr line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := outW.Close(); err != nil {
		t.Fatalf("close stdout: %v", err)
	}
	if err := errW.Close(); err != nil { // closing twice must be a no-op, not an error
		t.Fatalf("close stderr: %v", err)
	}

	combined := filepath.Join(dir, "svc-1.stdout.log")
	data, err := os.ReadFile(combined)
	if err != nil {
		t.Fatalf("read combined log: %v", err)
	}
	if string(data) != "stdout line\nstderr line\n" {
		t.Fatalf("unexpected combined log content: %q", data)
	}
}

func TestWritersReturnsNilWhenNoDestinationConfigured(t *testing.T) {
	cfg := Config{}
	spec := &procspec.Spec{Name: "svc"}
	outW, errW, err := cfg.Writers(spec, 0)
	if err != nil {
		t.Fatalf("writers: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir/stdout/stderr configured, got (%v, %v)", outW, errW)
	}
}

func TestOpenSatisfiesLogFuncSignature(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	spec := &procspec.Spec{Name: "svc"}
	outW, errW, err := cfg.Open(spec, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = outW.Close(); _ = errW.Close() }()
}
