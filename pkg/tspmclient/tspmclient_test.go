package tspmclient

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/tspmhq/tspm/internal/apiserver"
	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/procspec"
	"github.com/tspmhq/tspm/internal/supervisor"
)

func newTestDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	bus := eventbus.New()
	envFn := func(spec *procspec.Spec, instanceID int) []string { return nil }
	logFn := func(spec *procspec.Spec, instanceID int) (io.WriteCloser, io.WriteCloser, error) { return nil, nil, nil }
	sup := supervisor.New(bus, envFn, logFn, nil)

	sp := procspec.Spec{Name: "svc", Script: "/bin/true"}
	sp.ApplyDefaults()
	if _, err := sup.AddProcess(sp); err != nil {
		t.Fatalf("add process: %v", err)
	}

	srv := apiserver.New(sup, "/api")
	return httptest.NewServer(srv.Handler())
}

func TestClientStartStatusStop(t *testing.T) {
	ts := newTestDaemon(t)
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL + "/api"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatal("expected daemon to be reachable")
	}
	if err := c.Start(ctx, "svc"); err != nil {
		t.Fatalf("start: %v", err)
	}

	statuses, err := c.Status(ctx, "")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "svc" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}

	if err := c.Stop(ctx, "svc"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestClientStartUnknownProcessReturnsError(t *testing.T) {
	ts := newTestDaemon(t)
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL + "/api"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Start(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error starting an unregistered process")
	}
}
