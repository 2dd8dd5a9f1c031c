package clientutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tspmhq/tspm/internal/procspec"
)

func findVar(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}

func TestLoadDotEnvParsesSimpleAssignments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nFOO=bar\nQUOTED=\"baz\"\n\nEMPTY_IGNORED\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	vars, err := LoadDotEnv(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if vars["FOO"] != "bar" {
		t.Fatalf("expected FOO=bar, got %q", vars["FOO"])
	}
	if vars["QUOTED"] != "baz" {
		t.Fatalf("expected quotes stripped, got %q", vars["QUOTED"])
	}
	if _, ok := vars["EMPTY_IGNORED"]; ok {
		t.Fatalf("expected malformed line without '=' to be skipped")
	}
}

func TestEnvFuncAppliesGlobalsDotEnvAndSpecEnvInOrder(t *testing.T) {
	dir := t.TempDir()
	dotEnvPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotEnvPath, []byte("SHARED=from-dotenv\nDOTENV_ONLY=x\n"), 0o644); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}

	merger := NewEnvMerger().WithGlobal("SHARED", "from-global").WithGlobal("GLOBAL_ONLY", "g")
	envFunc := merger.EnvFunc()

	spec := &procspec.Spec{
		Name:   "svc",
		DotEnv: dotEnvPath,
		Env:    map[string]string{"SHARED": "from-spec"},
	}

	result := envFunc(spec, 3)

	if v, ok := findVar(result, "SHARED"); !ok || v != "from-spec" {
		t.Fatalf("expected spec.Env to win over dotEnv/global for SHARED, got %q (ok=%v)", v, ok)
	}
	if v, ok := findVar(result, "DOTENV_ONLY"); !ok || v != "x" {
		t.Fatalf("expected DOTENV_ONLY from dotEnv file, got %q (ok=%v)", v, ok)
	}
	if v, ok := findVar(result, "GLOBAL_ONLY"); !ok || v != "g" {
		t.Fatalf("expected GLOBAL_ONLY from global overlay, got %q (ok=%v)", v, ok)
	}
	if v, ok := findVar(result, "TSPM_PROCESS_NAME"); !ok || v != "svc" {
		t.Fatalf("expected TSPM_PROCESS_NAME=svc, got %q (ok=%v)", v, ok)
	}
	if v, ok := findVar(result, "TSPM_INSTANCE_ID"); !ok || v != "3" {
		t.Fatalf("expected TSPM_INSTANCE_ID=3, got %q (ok=%v)", v, ok)
	}
}

func TestEnvFuncToleratesMissingDotEnvFile(t *testing.T) {
	merger := NewEnvMerger()
	envFunc := merger.EnvFunc()
	spec := &procspec.Spec{Name: "svc", DotEnv: "/nonexistent/path/.env"}

	result := envFunc(spec, 0)
	if v, ok := findVar(result, "TSPM_PROCESS_NAME"); !ok || v != "svc" {
		t.Fatalf("expected identity vars still applied despite missing dotEnv, got %q (ok=%v)", v, ok)
	}
}
