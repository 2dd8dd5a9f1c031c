// Package managedprocess implements the per-process state machine described
// in spec.md §4.2: one ManagedProcess owns 1..N instance.Instance children
// and is driven exclusively through a buffered command channel, directly
// grounded on provisr's internal/manager.ManagedProcess.runStateMachine
// (command struct, commandAction enum, cmdChan/doneChan). The four simple
// states provisr has (Stopped/Starting/Running/Stopping) are generalized
// here to the six spec.md names (STOPPED/STARTING/RUNNING/STOPPING/
// ERRORED/RESTARTING).
package managedprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/healthcheck"
	"github.com/tspmhq/tspm/internal/instance"
	"github.com/tspmhq/tspm/internal/metrics"
	"github.com/tspmhq/tspm/internal/monitor"
	"github.com/tspmhq/tspm/internal/procspec"
	"github.com/tspmhq/tspm/internal/restartpolicy"
	"github.com/tspmhq/tspm/internal/tspmerr"
)

// State enumerates the ManagedProcess lifecycle states of spec.md §4.2.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateErrored
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateErrored:
		return "ERRORED"
	case StateRestarting:
		return "RESTARTING"
	default:
		return "UNKNOWN"
	}
}

// EnvFunc returns the environment for one instance spawn, letting the owning
// Supervisor overlay host/.env/dotEnv/instance-identity variables without
// managedprocess needing to know about any of those sources.
type EnvFunc func(spec *procspec.Spec, instanceID int) []string

// LogFunc opens the stdout/stderr writers for one instance spawn. Returning
// (nil, nil, nil) discards output.
type LogFunc func(spec *procspec.Spec, instanceID int) (stdout, stderr io.WriteCloser, err error)

// Status is a point-in-time snapshot of a ManagedProcess, the Go shape of
// spec.md §3's ManagedProcess attributes.
type Status struct {
	Name          string
	State         State
	RestartCount  int
	LastStartedAt time.Time
	Instances     []instance.Status
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionScale
	actionUpdateSpec
	actionInstanceExit
	actionShutdown
)

type command struct {
	action     commandAction
	reason     restartpolicy.Reason
	scaleTo    int
	spec       *procspec.Spec
	instanceID int
	exit       instance.ExitInfo
	reply      chan error
}

// ManagedProcess is the actor-per-process runtime aggregate bound to one
// ProcessSpec. One goroutine (runLoop) owns all state transitions; every
// state-changing public method is a blocking round-trip through cmdChan, so
// two operations on the same ManagedProcess are always totally ordered, per
// spec.md §5. Name and Status read the current state under mu instead.
type ManagedProcess struct {
	mu           sync.RWMutex
	spec         procspec.Spec
	state        State
	instances    map[int]*instance.Instance
	cancels      map[int]context.CancelFunc // per-instance monitor/healthcheck goroutines
	restartCount int
	lastStarted  time.Time

	cmdChan  chan command
	doneChan chan struct{}

	bus    *eventbus.Bus
	envFn  EnvFunc
	logFn  LogFunc
	logger *slog.Logger

	monitor    *monitor.Monitor
	monCancel  context.CancelFunc
}

// New constructs a ManagedProcess and starts its actor goroutine. spec must
// already be Validate()'d.
func New(spec procspec.Spec, bus *eventbus.Bus, envFn EnvFunc, logFn LogFunc, logger *slog.Logger) *ManagedProcess {
	if logger == nil {
		logger = slog.Default()
	}
	mp := &ManagedProcess{
		spec:      spec,
		state:     StateStopped,
		instances: make(map[int]*instance.Instance),
		cancels:   make(map[int]context.CancelFunc),
		cmdChan:   make(chan command, 32),
		doneChan:  make(chan struct{}),
		bus:       bus,
		envFn:     envFn,
		logFn:     logFn,
		logger:    logger,
	}
	mp.monitor = monitor.New(spec.MonitorInterval, bus, mp.onOOM, logger)
	monCtx, monCancel := context.WithCancel(context.Background())
	mp.monCancel = monCancel
	go mp.monitor.Run(monCtx)
	go mp.runLoop()
	return mp
}

// onOOM is the monitor.OOMFunc callback: it requests a restart(reason=oom)
// through the actor's own command path rather than killing the child
// directly, so the restart still goes through the normal RESTARTING
// transition and restart bookkeeping.
func (mp *ManagedProcess) onOOM(processName string, instanceID int) {
	_ = mp.Restart(context.Background(), restartpolicy.ReasonOOM)
}

func (mp *ManagedProcess) send(cmd command) error {
	reply := make(chan error, 1)
	cmd.reply = reply
	select {
	case mp.cmdChan <- cmd:
		return <-reply
	case <-mp.doneChan:
		return fmt.Errorf("managedprocess: %s: shutting down", mp.Name())
	}
}

// Name returns the process name (immutable after construction).
func (mp *ManagedProcess) Name() string {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.spec.Name
}

// Start begins the process, per spec.md §4.2 start().
func (mp *ManagedProcess) Start(ctx context.Context) error {
	return mp.send(command{action: actionStart})
}

// Stop stops the process, per spec.md §4.2 stop(reason).
func (mp *ManagedProcess) Stop(ctx context.Context, reason restartpolicy.Reason) error {
	return mp.send(command{action: actionStop, reason: reason})
}

// Restart stops then starts the process through the RESTARTING state, per
// spec.md §4.2 restart(reason).
func (mp *ManagedProcess) Restart(ctx context.Context, reason restartpolicy.Reason) error {
	return mp.send(command{action: actionRestart, reason: reason})
}

// Scale changes the instance count. Commands are handled one at a time in
// cmdChan order, so a Scale sent after a Start or Restart runs only once
// that command has finished and never observes a half-constructed instance
// set. When the Scale itself is handled, any state other than RUNNING
// (including RESTARTING while an automatic respawn is pending) rejects it.
func (mp *ManagedProcess) Scale(ctx context.Context, n int) error {
	return mp.send(command{action: actionScale, scaleTo: n})
}

// UpdateSpec replaces the spec used for the next start/restart.
func (mp *ManagedProcess) UpdateSpec(ctx context.Context, spec procspec.Spec) error {
	return mp.send(command{action: actionUpdateSpec, spec: &spec})
}

// Shutdown stops the process and terminates the actor goroutine.
func (mp *ManagedProcess) Shutdown(ctx context.Context) error {
	return mp.send(command{action: actionShutdown})
}

// Status returns a consistent snapshot of the ManagedProcess.
func (mp *ManagedProcess) Status() Status {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	instStatuses := make([]instance.Status, 0, len(mp.instances))
	for _, in := range mp.instances {
		instStatuses = append(instStatuses, in.Snapshot())
	}
	return Status{
		Name:          mp.spec.Name,
		State:         mp.state,
		RestartCount:  mp.restartCount,
		LastStartedAt: mp.lastStarted,
		Instances:     instStatuses,
	}
}

func (mp *ManagedProcess) setState(s State) {
	mp.mu.Lock()
	old := mp.state
	mp.state = s
	name := mp.spec.Name
	mp.mu.Unlock()
	if old != s {
		metrics.RecordStateTransition(name, old.String(), s.String())
		metrics.SetCurrentState(name, old.String(), false)
		metrics.SetCurrentState(name, s.String(), true)
		mp.emit(eventbus.ProcessStateChange, eventbus.Normal, stateChangeEvent{Name: name, From: old, To: s})
	}
}

// stateChangeEvent is the Data payload of a PROCESS_STATE_CHANGE event.
type stateChangeEvent struct {
	Name string
	From State
	To   State
}

func (mp *ManagedProcess) emit(typ eventbus.Type, prio eventbus.Priority, data any) {
	if mp.bus == nil {
		return
	}
	mp.bus.Emit(context.Background(), eventbus.Event{Type: typ, Source: mp.Name(), Priority: prio, Data: data})
}

// logLineEvent is the Data payload of a PROCESS_LOG event.
type logLineEvent struct {
	Name       string
	InstanceID int
	Stream     string
	Line       string
}

// emitLogLine publishes one PROCESS_LOG event per output line, per spec.md
// §4.3 ("every line is also emitted as a PROCESS_LOG event with type ∈
// {stdout, stderr}"). It runs at Low priority: log volume should never
// starve HIGH/NORMAL listeners (state changes, errors) of their turn in
// Emit's priority-ordered dispatch.
func (mp *ManagedProcess) emitLogLine(instanceID int, stream, line string) {
	mp.emit(eventbus.ProcessLog, eventbus.Low, logLineEvent{
		Name:       mp.Name(),
		InstanceID: instanceID,
		Stream:     stream,
		Line:       line,
	})
}

// runLoop is the single goroutine draining cmdChan, grounded on provisr's
// ManagedProcess.runStateMachine.
func (mp *ManagedProcess) runLoop() {
	defer close(mp.doneChan)
	for cmd := range mp.cmdChan {
		var err error
		switch cmd.action {
		case actionStart:
			err = mp.doStart(context.Background())
		case actionStop:
			err = mp.doStop(context.Background(), cmd.reason)
		case actionRestart:
			err = mp.doRestart(context.Background(), cmd.reason)
		case actionScale:
			err = mp.doScale(context.Background(), cmd.scaleTo)
		case actionUpdateSpec:
			mp.mu.Lock()
			mp.spec = *cmd.spec
			mp.mu.Unlock()
		case actionInstanceExit:
			mp.handleInstanceExit(context.Background(), cmd.instanceID, cmd.exit)
		case actionShutdown:
			_ = mp.doStop(context.Background(), restartpolicy.ReasonManual)
			mp.monCancel()
			if cmd.reply != nil {
				cmd.reply <- nil
			}
			return
		}
		if cmd.reply != nil {
			cmd.reply <- err
		}
	}
}

// doStart allocates spec.Instances instances, runs preStart, spawns each,
// and waits for every instance to survive spec.MinUptime before declaring
// RUNNING, per spec.md §4.2.
func (mp *ManagedProcess) doStart(ctx context.Context) error {
	mp.mu.RLock()
	state := mp.state
	mp.mu.RUnlock()
	if state != StateStopped && state != StateErrored {
		return fmt.Errorf("managedprocess: start invalid in state %s", state)
	}

	mp.setState(StateStarting)

	mp.mu.RLock()
	spec := mp.spec
	mp.mu.RUnlock()

	if spec.PreStart != "" {
		if err := mp.runHook(ctx, spec.PreStart, spec.HookTimeout); err != nil {
			mp.setState(StateErrored)
			return &tspmerr.SpawnError{Name: spec.Name, Err: fmt.Errorf("pre_start hook: %w", err)}
		}
	}

	spawned := make([]*instance.Instance, 0, spec.Instances)
	for id := 0; id < spec.Instances; id++ {
		in, err := mp.spawnInstance(ctx, &spec, id, 0)
		if err != nil {
			for i, s := range spawned {
				_ = s.Kill()
				mp.monitor.Unwatch(i)
			}
			mp.mu.Lock()
			mp.instances = make(map[int]*instance.Instance)
			mp.mu.Unlock()
			mp.setState(StateErrored)
			return &tspmerr.SpawnError{Name: spec.Name, Err: err}
		}
		spawned = append(spawned, in)
		metrics.IncStart(spec.Name)
		mp.emit(eventbus.ProcessStart, eventbus.Normal, instanceRef(spec.Name, id))
		mp.emit(eventbus.InstanceAdd, eventbus.Normal, instanceRef(spec.Name, id))
	}
	metrics.SetRunningInstances(spec.Name, len(spawned))

	if spec.MinUptime > 0 {
		if err := mp.awaitMinUptime(ctx, spawned, spec.MinUptime); err != nil {
			for i, s := range spawned {
				_ = s.Kill()
				mp.monitor.Unwatch(i)
			}
			mp.mu.Lock()
			mp.instances = make(map[int]*instance.Instance)
			mp.mu.Unlock()
			mp.setState(StateErrored)
			return &tspmerr.SpawnError{Name: spec.Name, Err: err}
		}
	}

	mp.mu.Lock()
	mp.lastStarted = time.Now()
	mp.mu.Unlock()

	mp.setState(StateRunning)

	if spec.PostStart != "" {
		if err := mp.runHook(ctx, spec.PostStart, spec.HookTimeout); err != nil {
			mp.logger.Warn("post_start hook failed, process stays running", "process", spec.Name, "error", err)
		}
	}
	return nil
}

var errExitedEarly = errors.New("instance exited before min_uptime elapsed")

func (mp *ManagedProcess) awaitMinUptime(ctx context.Context, instances []*instance.Instance, minUptime time.Duration) error {
	deadline := time.Now().Add(minUptime)
	for time.Now().Before(deadline) {
		for _, in := range instances {
			if !in.Running() {
				return errExitedEarly
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	for _, in := range instances {
		if !in.Running() {
			return errExitedEarly
		}
	}
	return nil
}

func (mp *ManagedProcess) spawnInstance(ctx context.Context, spec *procspec.Spec, id int, restarts int) (*instance.Instance, error) {
	in := instance.New(spec.Name, id, restarts)

	var stdout, stderr io.WriteCloser
	var err error
	if mp.logFn != nil {
		stdout, stderr, err = mp.logFn(spec, id)
		if err != nil {
			return nil, fmt.Errorf("open logs: %w", err)
		}
	}

	// Every line is tee'd into a PROCESS_LOG event per spec.md §4.3,
	// regardless of whether a log file sink is configured for this spec.
	stdout = instance.NewLineWriter(stdout, func(line string) {
		mp.emitLogLine(id, "stdout", line)
	})
	stderr = instance.NewLineWriter(stderr, func(line string) {
		mp.emitLogLine(id, "stderr", line)
	})

	var env []string
	if mp.envFn != nil {
		env = mp.envFn(spec, id)
	} else {
		env = spec.InstanceEnv(nil, id)
	}

	if err := in.Spawn(ctx, spec, env, stdout, stderr, func(info instance.ExitInfo) {
		mp.onInstanceExit(id, info)
	}); err != nil {
		return nil, err
	}

	mp.mu.Lock()
	mp.instances[id] = in
	mp.mu.Unlock()

	mp.monitor.Watch(monitor.Target{
		ProcessName:   spec.Name,
		InstanceID:    id,
		PID:           in.PID,
		SetSample:     in.SetSample,
		MaxMemory:     spec.MaxMemory,
		MaxCPUPercent: spec.MaxCPUPercent,
	})
	mp.startInstanceMonitors(spec, in, id)
	return in, nil
}

// onInstanceExit forwards a reap notification into the actor's own command
// channel, so policy evaluation happens on the single owning goroutine
// rather than racing with it from the reaper goroutine.
func (mp *ManagedProcess) onInstanceExit(instanceID int, info instance.ExitInfo) {
	go func() {
		select {
		case mp.cmdChan <- command{action: actionInstanceExit, instanceID: instanceID, exit: info, reply: make(chan error, 1)}:
		case <-mp.doneChan:
		}
	}()
}

func instanceRef(name string, id int) map[string]any {
	return map[string]any{"name": name, "instance_id": id}
}

// startInstanceMonitors wires HealthChecker (if configured) for in, calling
// Restart(reason) through the actor's own command path when it requests one.
func (mp *ManagedProcess) startInstanceMonitors(spec *procspec.Spec, in *instance.Instance, id int) {
	if spec.HealthCheck == nil || !spec.HealthCheck.Enabled {
		return
	}
	cctx, cancel := context.WithCancel(context.Background())
	mp.mu.Lock()
	mp.cancels[id] = cancel
	mp.mu.Unlock()

	hm, err := healthcheck.NewMonitor(spec.Name, id, spec.HealthCheck, mp.bus, func(reason string) {
		_ = mp.Restart(context.Background(), restartpolicy.Reason(reason))
	}, mp.logger)
	if err != nil {
		mp.logger.Warn("failed to start health monitor", "process", spec.Name, "instance", id, "error", err)
		return
	}
	go hm.Run(cctx)
}

func (mp *ManagedProcess) stopInstanceMonitors() {
	mp.mu.Lock()
	cancels := mp.cancels
	mp.cancels = make(map[int]context.CancelFunc)
	mp.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// doStop transitions STOPPING, signals every live instance, and waits for
// every instance to be reaped, per spec.md §4.2 stop(reason).
func (mp *ManagedProcess) doStop(ctx context.Context, reason restartpolicy.Reason) error {
	mp.mu.RLock()
	state := mp.state
	mp.mu.RUnlock()

	switch state {
	case StateStopped:
		return nil
	case StateStarting, StateRunning, StateRestarting, StateErrored:
		// valid
	case StateStopping:
		return fmt.Errorf("managedprocess: already stopping")
	}

	mp.setState(StateStopping)
	mp.stopInstanceMonitors()

	mp.mu.RLock()
	spec := mp.spec
	insts := make(map[int]*instance.Instance, len(mp.instances))
	for id, in := range mp.instances {
		insts[id] = in
	}
	mp.mu.RUnlock()

	var wg sync.WaitGroup
	for id, in := range insts {
		id, in := id, in
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = in.Stop(ctx, spec.KillTimeout)
			mp.monitor.Unwatch(id)
		}()
	}
	wg.Wait()

	mp.mu.Lock()
	mp.instances = make(map[int]*instance.Instance)
	mp.mu.Unlock()

	metrics.IncStop(spec.Name)
	metrics.SetRunningInstances(spec.Name, 0)
	mp.setState(StateStopped)
	mp.emit(eventbus.ProcessStop, eventbus.Normal, map[string]any{"name": spec.Name, "reason": reason})
	return nil
}

// doRestart is stop()+start() through the RESTARTING state, incrementing
// restartCount exactly once per call regardless of instance count, per
// spec.md §4.2 restart(reason).
func (mp *ManagedProcess) doRestart(ctx context.Context, reason restartpolicy.Reason) error {
	mp.setState(StateRestarting)
	if err := mp.doStop(ctx, reason); err != nil {
		return err
	}
	mp.mu.Lock()
	mp.restartCount++
	mp.mu.Unlock()
	metrics.IncRestart(mp.Name(), string(reason))
	mp.emit(eventbus.ProcessRestart, eventbus.Normal, map[string]any{"name": mp.Name(), "reason": reason})
	return mp.doStart(ctx)
}

// doScale changes the live instance count to match n while RUNNING. Spec's
// §9 open question resolution: only valid while RUNNING; in any other state
// at the time the command is handled it returns an error without changing
// anything (see Scale doc comment).
func (mp *ManagedProcess) doScale(ctx context.Context, n int) error {
	mp.mu.RLock()
	state := mp.state
	spec := mp.spec
	current := len(mp.instances)
	mp.mu.RUnlock()

	if state != StateRunning {
		return fmt.Errorf("managedprocess: scale invalid in state %s", state)
	}
	if n < 1 || n > procspec.MaxInstances {
		return fmt.Errorf("managedprocess: scale target %d out of range", n)
	}

	if n > current {
		for id := current; id < n; id++ {
			if _, err := mp.spawnInstance(ctx, &spec, id, 0); err != nil {
				return &tspmerr.SpawnError{Name: spec.Name, Err: err}
			}
			metrics.IncStart(spec.Name)
			mp.emit(eventbus.InstanceAdd, eventbus.Normal, instanceRef(spec.Name, id))
		}
	} else if n < current {
		mp.mu.Lock()
		toRemove := make(map[int]*instance.Instance)
		for id := n; id < current; id++ {
			if in, ok := mp.instances[id]; ok {
				toRemove[id] = in
				delete(mp.instances, id)
			}
		}
		mp.mu.Unlock()
		for id, in := range toRemove {
			_ = in.Stop(ctx, spec.KillTimeout)
			mp.monitor.Unwatch(id)
			mp.emit(eventbus.InstanceRemove, eventbus.Normal, map[string]any{"name": spec.Name})
		}
	}

	mp.mu.Lock()
	mp.spec.Instances = n
	mp.mu.Unlock()
	metrics.SetRunningInstances(spec.Name, n)
	return nil
}

// handleInstanceExit evaluates RestartPolicy for one instance's exit and
// either respawns it (after its backoff delay), transitions ERRORED on
// GiveUp, or transitions STOPPED if every slot is now empty, per spec.md
// §4.2's restart-policy bullet list.
func (mp *ManagedProcess) handleInstanceExit(ctx context.Context, instanceID int, exit instance.ExitInfo) {
	mp.mu.RLock()
	state := mp.state
	spec := mp.spec
	in, known := mp.instances[instanceID]
	restartCount := mp.restartCount
	mp.mu.RUnlock()

	if !known || state == StateStopping || state == StateStopped {
		// expected reap from doStop/doScale; nothing to evaluate.
		return
	}

	uptime := time.Duration(0)
	if in != nil {
		uptime = in.Uptime()
	}

	mp.emit(eventbus.ProcessExit, eventbus.Normal, map[string]any{
		"name": spec.Name, "instance_id": instanceID, "exit_code": exit.ExitCode, "signal": exit.Signal,
	})

	mp.mu.Lock()
	delete(mp.instances, instanceID)
	remaining := len(mp.instances)
	mp.mu.Unlock()
	mp.monitor.Unwatch(instanceID)

	decision := restartpolicy.Decide(&spec, exit, restartCount, uptime)
	switch decision.Outcome {
	case restartpolicy.NoAction:
		if remaining == 0 {
			mp.setState(StateStopped)
		}
		return
	case restartpolicy.GiveUp:
		mp.emit(eventbus.ProcessError, eventbus.High, map[string]any{"name": spec.Name, "reason": "max_restarts_exceeded"})
		if remaining == 0 {
			mp.setState(StateErrored)
		}
		return
	case restartpolicy.Respawn:
		mp.mu.Lock()
		mp.restartCount++
		mp.mu.Unlock()
		metrics.IncRestart(spec.Name, string(decision.Reason))
		mp.setState(StateRestarting)
		time.AfterFunc(decision.Delay, func() {
			mp.respawnInstance(instanceID, &spec, in)
		})
	}
}

func (mp *ManagedProcess) respawnInstance(instanceID int, spec *procspec.Spec, old *instance.Instance) {
	mp.mu.RLock()
	state := mp.state
	mp.mu.RUnlock()
	if state != StateRestarting && state != StateRunning {
		return
	}
	restarts := 0
	if old != nil {
		restarts = old.Snapshot().Restarts + 1
	}
	if _, err := mp.spawnInstance(context.Background(), spec, instanceID, restarts); err != nil {
		mp.logger.Error("failed to respawn instance", "process", spec.Name, "instance", instanceID, "error", err)
		mp.setState(StateErrored)
		return
	}
	mp.emit(eventbus.ProcessStart, eventbus.Normal, instanceRef(spec.Name, instanceID))
	mp.emit(eventbus.InstanceAdd, eventbus.Normal, instanceRef(spec.Name, instanceID))

	mp.mu.RLock()
	allPresent := len(mp.instances) == spec.Instances
	mp.mu.RUnlock()
	if allPresent {
		mp.setState(StateRunning)
	}
}

func (mp *ManagedProcess) runHook(ctx context.Context, command string, timeout time.Duration) error {
	hctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	// #nosec G204
	cmd := exec.CommandContext(hctx, "/bin/sh", "-c", command)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hook %q: %w", command, err)
	}
	return nil
}
