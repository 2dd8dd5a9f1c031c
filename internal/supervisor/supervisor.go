// Package supervisor owns the registry of managedprocess.ManagedProcess
// instances and exposes the engine's public contract, per spec.md §4.1.
// Grounded on provisr's internal/manager.Manager (procs map[string]*entry
// guarded by a mutex, SetStore/SetHistorySinks side-channels) and
// internal/manager.Supervisor's per-handler context/cancel ownership,
// generalized to the byNamespace/byClusterGroup indexes spec.md §4.1
// requires and to bounded-concurrency startAll/stopAll fan-out via
// golang.org/x/sync/errgroup + semaphore.Weighted.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/loadbalancer"
	"github.com/tspmhq/tspm/internal/managedprocess"
	"github.com/tspmhq/tspm/internal/procspec"
	"github.com/tspmhq/tspm/internal/restartpolicy"
	"github.com/tspmhq/tspm/internal/tspmerr"
)

// DefaultFanOutLimit bounds startAll/stopAll concurrency, avoiding the spawn
// storm spec.md §4.1 calls out.
const DefaultFanOutLimit = 16

// ClusterView is the derived, non-authoritative InstanceInfo slice published
// to a loadbalancer.Selector for one clusterGroup, per spec.md's glossary.
type ClusterView struct {
	ClusterGroup string
	Instances    []loadbalancer.InstanceInfo
}

// Supervisor is the registry of ManagedProcesses. It is never a package-level
// singleton (per spec.md §9 Design Notes); each daemon/test constructs its
// own instance.
type Supervisor struct {
	mu sync.RWMutex

	procs         map[string]*managedprocess.ManagedProcess
	specs         map[string]procspec.Spec
	byNamespace   map[string]map[string]struct{}
	byClusterGrp  map[string]map[string]struct{}

	bus         *eventbus.Bus
	envFn       managedprocess.EnvFunc
	logFn       managedprocess.LogFunc
	logger      *slog.Logger
	fanOutLimit int64
}

// New constructs an empty Supervisor bound to bus. envFn/logFn are passed
// through to every ManagedProcess it creates.
func New(bus *eventbus.Bus, envFn managedprocess.EnvFunc, logFn managedprocess.LogFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		procs:        make(map[string]*managedprocess.ManagedProcess),
		specs:        make(map[string]procspec.Spec),
		byNamespace:  make(map[string]map[string]struct{}),
		byClusterGrp: make(map[string]map[string]struct{}),
		bus:          bus,
		envFn:        envFn,
		logFn:        logFn,
		logger:       logger,
		fanOutLimit:  DefaultFanOutLimit,
	}
}

// SetFanOutLimit overrides the bounded concurrency used by StartAll/StopAll.
func (s *Supervisor) SetFanOutLimit(n int64) {
	if n <= 0 {
		n = DefaultFanOutLimit
	}
	s.mu.Lock()
	s.fanOutLimit = n
	s.mu.Unlock()
}

func indexAdd(idx map[string]map[string]struct{}, key, name string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[name] = struct{}{}
}

func indexRemove(idx map[string]map[string]struct{}, key, name string) {
	if key == "" {
		return
	}
	if set, ok := idx[key]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// AddProcess registers spec as a new ManagedProcess, computing the
// namespace/clusterGroup indexes. Fails with DUPLICATE_NAME (via
// tspmerr.ErrDuplicateName) if spec.Name is already registered.
func (s *Supervisor) AddProcess(spec procspec.Spec) (*managedprocess.ManagedProcess, error) {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, &tspmerr.ConfigError{Field: "name", Msg: err.Error()}
	}

	s.mu.Lock()
	if _, exists := s.procs[spec.Name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: add %s: %w", spec.Name, tspmerr.ErrDuplicateName)
	}
	mp := managedprocess.New(spec, s.bus, s.envFn, s.logFn, s.logger)
	s.procs[spec.Name] = mp
	s.specs[spec.Name] = spec
	indexAdd(s.byNamespace, spec.Namespace, spec.Name)
	indexAdd(s.byClusterGrp, spec.ClusterGroup, spec.Name)
	s.mu.Unlock()
	return mp, nil
}

// RemoveProcess stops then deregisters name. If ifExists is false, an
// unknown name returns an error; if true, removing an unknown name is a
// silent no-op, per spec.md §4.1.
func (s *Supervisor) RemoveProcess(ctx context.Context, name string, ifExists bool) error {
	s.mu.RLock()
	mp, ok := s.procs[name]
	spec := s.specs[name]
	s.mu.RUnlock()

	if !ok {
		if ifExists {
			return nil
		}
		return fmt.Errorf("supervisor: remove %s: %w", name, tspmerr.ErrNotFound)
	}

	_ = mp.Shutdown(ctx)

	s.mu.Lock()
	delete(s.procs, name)
	delete(s.specs, name)
	indexRemove(s.byNamespace, spec.Namespace, name)
	indexRemove(s.byClusterGrp, spec.ClusterGroup, name)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) get(name string) (*managedprocess.ManagedProcess, error) {
	s.mu.RLock()
	mp, ok := s.procs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("supervisor: %s: %w", name, tspmerr.ErrNotFound)
	}
	return mp, nil
}

// StartProcess delegates to the named ManagedProcess's Start.
func (s *Supervisor) StartProcess(ctx context.Context, name string) error {
	mp, err := s.get(name)
	if err != nil {
		return err
	}
	return mp.Start(ctx)
}

// StopProcess delegates to the named ManagedProcess's Stop.
func (s *Supervisor) StopProcess(ctx context.Context, name string, reason restartpolicy.Reason) error {
	mp, err := s.get(name)
	if err != nil {
		return err
	}
	return mp.Stop(ctx, reason)
}

// RestartProcess delegates to the named ManagedProcess's Restart.
func (s *Supervisor) RestartProcess(ctx context.Context, name string, reason restartpolicy.Reason) error {
	mp, err := s.get(name)
	if err != nil {
		return err
	}
	return mp.Restart(ctx, reason)
}

// ScaleProcess delegates to the named ManagedProcess's Scale.
func (s *Supervisor) ScaleProcess(ctx context.Context, name string, n int) error {
	mp, err := s.get(name)
	if err != nil {
		return err
	}
	return mp.Scale(ctx, n)
}

func (s *Supervisor) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.procs))
	for name := range s.procs {
		out = append(out, name)
	}
	return out
}

// StartAll starts every registered process with bounded concurrency,
// per spec.md §4.1. Best-effort: it continues past individual failures and
// returns the aggregate as a map of name->error (nil entries omitted).
func (s *Supervisor) StartAll(ctx context.Context) map[string]error {
	return s.fanOut(ctx, s.names(), func(ctx context.Context, name string) error {
		return s.StartProcess(ctx, name)
	})
}

// StopAll stops every registered process with bounded concurrency, waiting
// up to max(killTimeout)+1s overall, per spec.md §4.1.
func (s *Supervisor) StopAll(ctx context.Context, reason restartpolicy.Reason) map[string]error {
	names := s.names()

	s.mu.RLock()
	maxTimeout := time.Duration(0)
	for _, name := range names {
		if spec, ok := s.specs[name]; ok && spec.KillTimeout > maxTimeout {
			maxTimeout = spec.KillTimeout
		}
	}
	s.mu.RUnlock()

	stopCtx, cancel := context.WithTimeout(ctx, maxTimeout+time.Second)
	defer cancel()
	return s.fanOut(stopCtx, names, func(ctx context.Context, name string) error {
		return s.StopProcess(ctx, name, reason)
	})
}

func (s *Supervisor) fanOut(ctx context.Context, names []string, op func(context.Context, string) error) map[string]error {
	s.mu.RLock()
	limit := s.fanOutLimit
	s.mu.RUnlock()

	sem := semaphore.NewWeighted(limit)
	var mu sync.Mutex
	results := make(map[string]error)

	g, gctx := errgroup.WithContext(context.Background())
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			if err := op(ctx, name); err != nil {
				mu.Lock()
				results[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// List returns a consistent snapshot of every registered ManagedProcess's
// Status, per spec.md §4.1 list().
func (s *Supervisor) List() []managedprocess.Status {
	s.mu.RLock()
	mps := make([]*managedprocess.ManagedProcess, 0, len(s.procs))
	for _, mp := range s.procs {
		mps = append(mps, mp)
	}
	s.mu.RUnlock()

	out := make([]managedprocess.Status, 0, len(mps))
	for _, mp := range mps {
		out = append(out, mp.Status())
	}
	return out
}

// ByNamespace returns the names registered under namespace.
func (s *Supervisor) ByNamespace(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byNamespace[namespace]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// ByClusterGroup returns the names registered under clusterGroup.
func (s *Supervisor) ByClusterGroup(clusterGroup string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byClusterGrp[clusterGroup]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// ClusterView builds the derived InstanceInfo slice for clusterGroup, for
// handoff to a loadbalancer.Selector. Even a single-member clusterGroup
// still produces a (degenerate, one-element) view, per spec.md §4.2's tie-break.
func (s *Supervisor) ClusterView(clusterGroup string) ClusterView {
	names := s.ByClusterGroup(clusterGroup)
	view := ClusterView{ClusterGroup: clusterGroup}
	for _, name := range names {
		mp, err := s.get(name)
		if err != nil {
			continue
		}
		st := mp.Status()
		for _, inst := range st.Instances {
			view.Instances = append(view.Instances, loadbalancer.InstanceInfo{
				InstanceID:  inst.InstanceID,
				PID:         inst.PID,
				Healthy:     inst.Healthy && inst.Running,
				CPUPercent:  inst.CPUPercent,
				MemoryRSS:   inst.MemoryRSS,
				Connections: 0,
			})
		}
	}
	return view
}
