// Package tspm assembles the supervision engine's independently-testable
// packages (internal/supervisor, internal/eventbus, internal/watcher,
// internal/cronsched, internal/webhook, internal/statestore, internal/
// apiserver) into one running daemon, replacing provisr's root-level
// provisr.go facade (Manager wrapping a name->*ManagedProcess map plus a
// package-level DefaultManager). tspm has no package-level singleton: every
// field of Daemon is constructed explicitly by New from a *config.Config,
// matching spec.md §9's "no hidden global state" design note.
package tspm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tspmhq/tspm/internal/apiserver"
	"github.com/tspmhq/tspm/internal/clientutil"
	"github.com/tspmhq/tspm/internal/config"
	"github.com/tspmhq/tspm/internal/cronsched"
	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/logmanager"
	"github.com/tspmhq/tspm/internal/metrics"
	"github.com/tspmhq/tspm/internal/procspec"
	"github.com/tspmhq/tspm/internal/restartpolicy"
	"github.com/tspmhq/tspm/internal/statestore"
	"github.com/tspmhq/tspm/internal/statestore/clickhouse"
	"github.com/tspmhq/tspm/internal/statestore/postgres"
	"github.com/tspmhq/tspm/internal/statestore/sqlite"
	"github.com/tspmhq/tspm/internal/supervisor"
	"github.com/tspmhq/tspm/internal/watcher"
	"github.com/tspmhq/tspm/internal/webhook"
)

// Daemon owns every long-lived component wired from one config.Config:
// the Supervisor, one Watcher per watch-enabled ProcessSpec, a cron
// scheduler for cron-tagged specs, a webhook dispatcher, an optional
// durable-history sink, an optional snapshot writer and the control API
// server. Callers construct one with New and drive its lifecycle with
// Start/Shutdown.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *eventbus.Bus
	sup       *supervisor.Supervisor
	sched     *cronsched.Scheduler
	apiServer *apiserver.Server

	mu       sync.Mutex
	watchers []*watcher.Watcher
	watchCtx context.Context
	watchCxl context.CancelFunc

	sink          statestore.Sink
	unsubSink     eventbus.Unsubscribe
	snapshotter   *statestore.Snapshotter
	unsubSnapshot eventbus.Unsubscribe
}

// New constructs a Daemon from cfg but starts nothing; call Start to begin
// running. logger is used for every component that accepts one; a nil
// logger falls back to slog.Default() the same way every leaf package
// already does.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bus := eventbus.New()

	merger := clientutil.NewEnvMerger()
	for _, kv := range cfg.GlobalEnv {
		if i := indexByte(kv, '='); i >= 0 {
			merger.WithGlobal(kv[:i], kv[i+1:])
		}
	}
	envFn := merger.EnvFunc()

	logCfg := logmanager.Config{}
	if cfg.Log != nil {
		logCfg = logmanager.Config{
			Dir:        cfg.Log.Dir,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logFn := logCfg.Open

	sup := supervisor.New(bus, envFn, logFn, logger)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("tspm: register metrics: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		sup:    sup,
		sched:  cronsched.New(sup, logger),
	}

	if cfg.Server != nil {
		d.apiServer = apiserver.New(sup, cfg.Server.BasePath)
	}

	if err := d.wireStatestore(); err != nil {
		return nil, err
	}
	if err := d.wireWebhooks(); err != nil {
		return nil, err
	}

	return d, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (d *Daemon) wireStatestore() error {
	store := d.cfg.Store
	if store == nil || !store.Enabled {
		return nil
	}
	var sink statestore.Sink
	var err error
	switch store.Driver {
	case "sqlite":
		sink, err = sqlite.New(store.DSN)
	case "postgres":
		sink, err = postgres.New(store.DSN)
	case "clickhouse":
		sink, err = clickhouse.New(store.DSN, store.Table)
	default:
		return fmt.Errorf("tspm: store: unknown driver %q", store.Driver)
	}
	if err != nil {
		return fmt.Errorf("tspm: store: open %s sink: %w", store.Driver, err)
	}
	if err := sink.EnsureSchema(context.Background()); err != nil {
		_ = sink.Close()
		return fmt.Errorf("tspm: store: ensure schema: %w", err)
	}
	d.sink = sink
	d.unsubSink = statestore.ListenAndRecord(d.bus, sink, func(err error) {
		d.logger.Error("tspm: statestore sink delivery failed", "error", err)
	})

	if d.cfg.History != nil && d.cfg.History.Enabled && d.cfg.History.SnapshotPath != "" {
		d.snapshotter = statestore.NewSnapshotter(d.cfg.History.SnapshotPath)
		d.unsubSnapshot = d.wireSnapshotOnStateTransitions()
	}
	return nil
}

// wireSnapshotOnStateTransitions subscribes snapshotToDisk() (spec.md §6) to
// every significant state transition, per spec.md §4.11: the on-disk
// snapshot is rewritten after every PROCESS_START/STOP/RESTART and state
// change, not only at Shutdown. Write failures are logged, not propagated —
// a stuck disk must not take down the engine, matching the same
// never-cascade posture internal/statestore.ListenAndRecord's onError hook
// already follows.
func (d *Daemon) wireSnapshotOnStateTransitions() eventbus.Unsubscribe {
	handler := func(ctx context.Context, ev eventbus.Event) error {
		if err := d.WriteSnapshot(); err != nil {
			d.logger.Error("tspm: snapshot write failed", "event_type", ev.Type, "error", err)
		}
		return nil
	}
	var unsubs []eventbus.Unsubscribe
	for _, typ := range []eventbus.Type{
		eventbus.ProcessStart,
		eventbus.ProcessStop,
		eventbus.ProcessRestart,
		eventbus.ProcessStateChange,
	} {
		unsubs = append(unsubs, d.bus.Subscribe(typ, eventbus.Low, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (d *Daemon) wireWebhooks() error {
	if len(d.cfg.Webhooks) == 0 {
		return nil
	}
	targets, err := webhook.TargetsFromConfig(d.cfg.Webhooks)
	if err != nil {
		return fmt.Errorf("tspm: webhooks: %w", err)
	}
	dispatcher, err := webhook.New(targets, d.logger)
	if err != nil {
		return fmt.Errorf("tspm: webhooks: %w", err)
	}
	d.bus.Subscribe(eventbus.Wildcard, eventbus.Normal, dispatcher.Listener())
	return nil
}

// LoadSpecs registers every ProcessSpec in cfg.Specs with the Supervisor,
// scheduling the cron-tagged ones via the Scheduler and starting a
// source-tree Watcher for every spec with Watch set. It does not start any
// process; call StartAll (or the apiserver's /start route, or cronsched's
// own schedule) for that, per spec.md §4.2's "declared processes are not
// implicitly running" invariant.
func (d *Daemon) LoadSpecs(ctx context.Context) error {
	d.mu.Lock()
	d.watchCtx, d.watchCxl = context.WithCancel(ctx)
	d.mu.Unlock()

	for _, spec := range d.cfg.Specs {
		if _, err := d.sup.AddProcess(spec); err != nil {
			return fmt.Errorf("tspm: register %q: %w", spec.Name, err)
		}
		if err := d.sched.Add(spec); err != nil {
			return fmt.Errorf("tspm: schedule %q: %w", spec.Name, err)
		}
		if spec.Watch {
			if err := d.startWatcher(spec); err != nil {
				return fmt.Errorf("tspm: watch %q: %w", spec.Name, err)
			}
		}
	}
	return nil
}

func (d *Daemon) startWatcher(spec procspec.Spec) error {
	name := spec.Name
	root := spec.Cwd
	if root == "" {
		root = "."
	}
	w, err := watcher.New(watcher.Config{
		ProcessName: name,
		Root:        root,
		Globs:       spec.WatchGlobs,
		IgnoreGlobs: spec.IgnoreWatch,
		Debounce:    spec.WatchDelay,
		Logger:      d.logger,
		Handler: func() error {
			return d.sup.RestartProcess(d.watchCtx, name, restartpolicy.ReasonWatch)
		},
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.watchers = append(d.watchers, w)
	ctx := d.watchCtx
	d.mu.Unlock()

	go w.Run(ctx)
	return nil
}

// Start begins running every already-loaded component: the cron scheduler,
// and (if configured) the apiserver's control-API listener. It does not
// start any ManagedProcess itself — LoadSpecs only registers specs, and
// an operator (or autostart policy layered above Daemon) decides which of
// them to start via StartAll or the control API.
func (d *Daemon) Start() error {
	d.sched.Start()
	if d.apiServer != nil && d.cfg.Server != nil && d.cfg.Server.Listen != "" {
		go func() {
			if err := d.apiServer.ListenAndServe(d.cfg.Server.Listen, d.cfg.Server.TLS); err != nil {
				d.logger.Error("tspm: apiserver stopped", "error", err)
			}
		}()
	}
	return nil
}

// StartAll starts every registered ManagedProcess, matching the autostart
// behavior an operator typically wants at daemon boot.
func (d *Daemon) StartAll(ctx context.Context) map[string]error {
	return d.sup.StartAll(ctx)
}

// WriteSnapshot serializes the Supervisor's current status list through
// the configured Snapshotter, a no-op if history snapshotting is disabled.
func (d *Daemon) WriteSnapshot() error {
	if d.snapshotter == nil {
		return nil
	}
	snap := statestore.BuildSnapshot(d.sup.List())
	return d.snapshotter.Write(snap)
}

// Shutdown stops every ManagedProcess, drains the cron scheduler, closes
// every source-tree Watcher and the statestore sink, in that order so no
// component outlives what feeds it events.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.sup.StopAll(ctx, restartpolicy.ReasonManual)

	if err := d.sched.Stop(ctx); err != nil {
		d.logger.Warn("tspm: cron scheduler stop", "error", err)
	}

	d.mu.Lock()
	if d.watchCxl != nil {
		d.watchCxl()
	}
	watchers := d.watchers
	d.watchers = nil
	d.mu.Unlock()
	for _, w := range watchers {
		_ = w.Close()
	}

	if d.unsubSnapshot != nil {
		d.unsubSnapshot()
	}
	if d.unsubSink != nil {
		d.unsubSink()
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.logger.Warn("tspm: statestore sink close", "error", err)
		}
	}

	return d.WriteSnapshot()
}

// Supervisor exposes the underlying Supervisor for callers (such as tests)
// that need direct access beyond Daemon's lifecycle methods.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// EventBus exposes the underlying EventBus for callers that want to
// subscribe additional listeners beyond the ones Daemon wires itself.
func (d *Daemon) EventBus() *eventbus.Bus { return d.bus }
