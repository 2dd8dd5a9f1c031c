// Package instance wraps one OS child process: spawn, stdio piping, and exit
// reaping, per spec.md §4.3. It is grounded line-for-line on provisr's
// internal/process.Process (cmd, status, waitDone channel, restarts
// counter), simplified because tspm's actor-per-process ManagedProcess
// already guarantees a single owner waits on each child — provisr needed a
// "monitoring" flag and a race between Stop/Kill and a separate reaper
// goroutine because two different call paths (handler.stopNow and
// Supervisor's background monitor) could both want to reap the same
// process; here Spawn itself launches the one and only reaper goroutine, so
// that race cannot occur and "no double reap" (testable property 1) holds
// by construction.
package instance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tspmhq/tspm/internal/procspec"
)

// ExitInfo describes how an Instance's child terminated.
type ExitInfo struct {
	ExitCode int
	Signal   string
	Err      error
}

// OnExit is invoked exactly once when the child is reaped.
type OnExit func(ExitInfo)

// Status is a point-in-time snapshot of an Instance, per spec.md §3.
type Status struct {
	InstanceID int
	PID        int // 0 when not running
	StartedAt  time.Time
	StoppedAt  time.Time
	Restarts   int
	ExitCode   int
	ExitSignal string
	Healthy    bool
	CPUPercent float64
	MemoryRSS  int64
	Running    bool
}

// Instance is one live (or most recently live) OS child belonging to a
// ManagedProcess, identified by (name, instanceId).
type Instance struct {
	name       string
	instanceID int

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	running   bool
	reaped    bool
	restarts  int
	exit      ExitInfo
	healthy   bool
	cpu       float64
	mem       int64

	waitDone chan struct{}

	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

// New constructs an Instance identified by (name, instanceID). restarts
// seeds the per-instance restart counter; ManagedProcess builds a fresh
// Instance for every spawn and passes the count carried over from the
// slot's previous Instance.
func New(name string, instanceID int, restarts int) *Instance {
	return &Instance{name: name, instanceID: instanceID, restarts: restarts, healthy: true}
}

// LineWriter splits whatever is written to it on newlines and calls onLine
// with each complete line (trailing '\r' trimmed, delimiter stripped) before
// forwarding the raw bytes to an underlying writer. Underlying may be nil, in
// which case writes are only observed, not persisted — used to give every
// instance a PROCESS_LOG feed per spec.md §4.3 even when no log file sink is
// configured. A partial trailing line (no terminating '\n' yet) is flushed
// to onLine on Close.
type LineWriter struct {
	underlying io.WriteCloser
	onLine     func(line string)

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter wraps underlying (nil is valid) so every newline-delimited
// line written through it is also passed to onLine.
func NewLineWriter(underlying io.WriteCloser, onLine func(line string)) *LineWriter {
	return &LineWriter{underlying: underlying, onLine: onLine}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// ReadString returns the unterminated remainder as err != nil;
			// put it back for the next Write or the final Close flush.
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	w.mu.Unlock()

	if w.underlying != nil {
		return w.underlying.Write(p)
	}
	return len(p), nil
}

// emit must be called with w.mu held.
func (w *LineWriter) emit(line string) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if w.onLine != nil {
		w.onLine(line)
	}
}

// Close flushes any buffered partial line to onLine, then closes underlying.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	w.mu.Unlock()

	if w.underlying != nil {
		return w.underlying.Close()
	}
	return nil
}

// Spawn builds and starts the OS child for spec, then launches the single
// reaper goroutine that calls onExit exactly once when the child exits.
// stdout/stderr may be nil, in which case the child's output is discarded.
func (in *Instance) Spawn(ctx context.Context, spec *procspec.Spec, env []string, stdout, stderr io.WriteCloser, onExit OnExit) error {
	cmd := spec.BuildCommand()
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	in.mu.Lock()
	in.outCloser, in.errCloser = stdout, stderr
	in.mu.Unlock()

	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("instance: start %s/%d: %w", in.name, in.instanceID, err)
	}

	in.mu.Lock()
	in.cmd = cmd
	in.pid = cmd.Process.Pid
	in.startedAt = time.Now()
	in.stoppedAt = time.Time{}
	in.running = true
	in.reaped = false
	in.waitDone = make(chan struct{})
	wd := in.waitDone
	in.mu.Unlock()

	go in.reap(cmd, wd, onExit)
	return nil
}

func (in *Instance) reap(cmd *exec.Cmd, wd chan struct{}, onExit OnExit) {
	err := cmd.Wait()

	in.mu.Lock()
	if in.reaped {
		in.mu.Unlock()
		return
	}
	in.reaped = true
	in.running = false
	in.stoppedAt = time.Now()
	in.pid = 0
	exitCode, sig := exitInfoFrom(err)
	in.exit = ExitInfo{ExitCode: exitCode, Signal: sig, Err: err}
	exitCopy := in.exit
	if in.outCloser != nil {
		_ = in.outCloser.Close()
		in.outCloser = nil
	}
	if in.errCloser != nil {
		_ = in.errCloser.Close()
		in.errCloser = nil
	}
	in.mu.Unlock()

	close(wd)
	if onExit != nil {
		onExit(exitCopy)
	}
}

// Stop sends a graceful termination signal, waiting up to killTimeout before
// escalating to a forceful kill, per spec.md §4.2 stop(reason). It returns
// once the instance has been reaped (or killTimeout has long since passed).
func (in *Instance) Stop(ctx context.Context, killTimeout time.Duration) error {
	in.mu.Lock()
	pid := in.pid
	wd := in.waitDone
	alive := in.running
	in.mu.Unlock()

	if !alive || pid == 0 {
		return nil
	}

	if err := signalGraceful(pid); err != nil {
		// process may have exited between the alive check and the signal;
		// fall through to wait on wd regardless.
		_ = err
	}

	if wd == nil {
		return nil
	}
	select {
	case <-wd:
		return nil
	case <-time.After(killTimeout):
	case <-ctx.Done():
	}

	_ = signalForceful(pid)
	select {
	case <-wd:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// Kill sends an immediate forceful signal without waiting for killTimeout.
func (in *Instance) Kill() error {
	in.mu.Lock()
	pid := in.pid
	wd := in.waitDone
	alive := in.running
	in.mu.Unlock()
	if !alive || pid == 0 {
		return nil
	}
	if err := signalForceful(pid); err != nil {
		return fmt.Errorf("instance: kill %s/%d: %w", in.name, in.instanceID, err)
	}
	if wd != nil {
		select {
		case <-wd:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

// SetSample records the latest CPU/memory reading taken by the Monitor.
func (in *Instance) SetSample(cpuPercent float64, memRSS int64) {
	in.mu.Lock()
	in.cpu = cpuPercent
	in.mem = memRSS
	in.mu.Unlock()
}

// SetHealthy records the latest health-check verdict.
func (in *Instance) SetHealthy(h bool) {
	in.mu.Lock()
	in.healthy = h
	in.mu.Unlock()
}

// IncRestarts bumps and returns the per-instance restart counter.
func (in *Instance) IncRestarts() int {
	in.mu.Lock()
	in.restarts++
	v := in.restarts
	in.mu.Unlock()
	return v
}

// PID returns the current pid, or 0 if not running.
func (in *Instance) PID() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pid
}

// Running reports whether the child is believed alive.
func (in *Instance) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// Uptime returns the time since spawn, or 0 if not running.
func (in *Instance) Uptime() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.running {
		return 0
	}
	return time.Since(in.startedAt)
}

// Snapshot returns a point-in-time copy of the Instance's status.
func (in *Instance) Snapshot() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Status{
		InstanceID: in.instanceID,
		PID:        in.pid,
		StartedAt:  in.startedAt,
		StoppedAt:  in.stoppedAt,
		Restarts:   in.restarts,
		ExitCode:   in.exit.ExitCode,
		ExitSignal: in.exit.Signal,
		Healthy:    in.healthy,
		CPUPercent: in.cpu,
		MemoryRSS:  in.mem,
		Running:    in.running,
	}
}
