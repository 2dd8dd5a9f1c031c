// Package cronsched schedules one-shot launches of cron-tagged ProcessSpecs
// through the Supervisor's normal StartProcess path, per spec.md §3's cron
// attribute. Grounded on provisr's internal/cronjob package (which already
// depends on github.com/robfig/cron/v3 and wraps one *cron.Cron scheduler
// per managed set) but pared down to what tspm's redesign actually needs:
// provisr's cronjob tracks its own JobHistoryEntry/activeJobs bookkeeping
// because it runs ad hoc batch Jobs outside the process registry; tspm's
// cron-scheduled specs are ordinary ManagedProcesses already registered
// with the Supervisor; cronsched's only job is to call StartProcess on
// schedule; restartCount/status/history are the Supervisor's and
// EventBus's concern already, not duplicated here. Unlike provisr's
// home-grown "@every <duration>" shorthand, Spec.Cron is a standard
// 5-field cron expression, parsed with cron.New()'s default standard
// parser (seconds field not supported, matching spec.md §3).
package cronsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/tspmhq/tspm/internal/procspec"
	"github.com/tspmhq/tspm/internal/supervisor"
)

// Scheduler owns one robfig/cron/v3 Cron instance and a StartProcess
// callback; it never imports managedprocess or eventbus directly, so its
// only coupling to the engine is through Supervisor's public API.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	sup     *supervisor.Supervisor
	logger  *slog.Logger
	entries map[string]cron.EntryID
}

// New constructs a Scheduler bound to sup. Call Start to begin firing;
// call Stop to drain in-flight invocations before shutdown.
func New(sup *supervisor.Supervisor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		sup:     sup,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers spec's Cron schedule, if any. A spec with an empty Cron
// field is a no-op, not an error, so callers can pass every loaded spec
// through Add unconditionally.
func (s *Scheduler) Add(spec procspec.Spec) error {
	if spec.Cron == "" {
		return nil
	}
	if spec.AutoRestart {
		return fmt.Errorf("cronsched: process %q: autorestart must be false for a cron-scheduled spec", spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[spec.Name]; exists {
		return fmt.Errorf("cronsched: process %q already scheduled", spec.Name)
	}

	name := spec.Name
	id, err := s.cron.AddFunc(spec.Cron, func() {
		if err := s.sup.StartProcess(context.Background(), name); err != nil {
			s.logger.Warn("cronsched: scheduled start failed", "process", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cronsched: process %q: invalid schedule %q: %w", spec.Name, spec.Cron, err)
	}
	s.entries[spec.Name] = id
	return nil
}

// Remove cancels name's schedule, if any.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins firing scheduled entries in their own goroutine, matching
// cron.Cron.Start's own async contract.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the scheduler and blocks until any in-flight invocation
// finishes, per cron.Cron.Stop's own contract.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
