// Package monitor periodically samples CPU/memory usage for every live
// instance.Instance, grounded on provisr's internal/metrics/process_metrics.go
// (ProcessMetricsCollector, ProcessMetrics{CPUPercent, MemoryMB, MemoryRSS,
// NumThreads}), using github.com/shirou/gopsutil/v4/process exactly as that
// file does. Unlike provisr's collector, which only updates Prometheus
// gauges, Monitor also emits METRICS_UPDATE/CPU_HIGH/MEMORY_HIGH through the
// EventBus and drives maxMemory-triggered OOM-kill + restart(reason=oom),
// per spec.md §4.5.
package monitor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tspmhq/tspm/internal/eventbus"
	"github.com/tspmhq/tspm/internal/metrics"
)

// Target is one instance to sample, along with the spec thresholds that
// govern alerting and OOM-kill for it.
type Target struct {
	ProcessName   string
	InstanceID    int
	PID           func() int
	SetSample     func(cpuPercent float64, memRSS int64)
	MaxMemory     int64
	MaxCPUPercent float64
}

// OOMFunc is invoked when an instance's RSS exceeds MaxMemory. The Monitor
// itself never signals the child; it only reports the verdict and leaves
// the kill+restart(reason=oom) decision to the caller (ManagedProcess).
type OOMFunc func(processName string, instanceID int)

// Monitor owns one ticker per ManagedProcess, sampling every registered
// Target once per interval.
type Monitor struct {
	mu       sync.Mutex
	targets  map[int]Target
	interval time.Duration
	bus      *eventbus.Bus
	oomFn    OOMFunc
	logger   *slog.Logger

	alerted map[int]bool // instanceID -> already emitted CPU/MEM high, avoid spam
}

// New constructs a Monitor sampling at interval (DefaultInterval if zero).
func New(interval time.Duration, bus *eventbus.Bus, oomFn OOMFunc, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		targets:  make(map[int]Target),
		interval: interval,
		bus:      bus,
		oomFn:    oomFn,
		logger:   logger,
		alerted:  make(map[int]bool),
	}
}

// DefaultInterval matches provisr's process_metrics.go NewProcessMetricsCollector default.
const DefaultInterval = 5 * time.Second

// Watch registers or replaces the sampling target for one instance.
func (m *Monitor) Watch(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.InstanceID] = t
}

// Unwatch removes an instance from sampling, e.g. after it is reaped.
func (m *Monitor) Unwatch(instanceID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, instanceID)
	delete(m.alerted, instanceID)
}

// Run samples every registered target once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleAll()
		}
	}
}

func (m *Monitor) sampleAll() {
	m.mu.Lock()
	targets := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.sampleOne(t)
	}
}

func (m *Monitor) sampleOne(t Target) {
	pid := t.PID()
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		m.logger.Debug("monitor: process handle unavailable", "process", t.ProcessName, "instance", t.InstanceID, "pid", pid, "error", err)
		return
	}
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		m.logger.Debug("monitor: cpu percent unavailable", "process", t.ProcessName, "instance", t.InstanceID, "error", err)
		cpuPct = 0
	}
	memInfo, err := proc.MemoryInfo()
	var rss int64
	if err == nil && memInfo != nil {
		rss = int64(memInfo.RSS)
	} else {
		m.logger.Debug("monitor: memory info unavailable", "process", t.ProcessName, "instance", t.InstanceID, "error", err)
	}

	if t.SetSample != nil {
		t.SetSample(cpuPct, rss)
	}
	metrics.SetInstanceSample(t.ProcessName, strconv.Itoa(t.InstanceID), cpuPct, rss)

	m.emit(eventbus.MetricsUpdate, eventbus.Low, map[string]any{
		"name": t.ProcessName, "instance_id": t.InstanceID, "cpu_percent": cpuPct, "memory_rss": rss,
	})

	m.mu.Lock()
	already := m.alerted[t.InstanceID]
	m.mu.Unlock()

	highCPU := t.MaxCPUPercent > 0 && cpuPct >= t.MaxCPUPercent
	highMem := t.MaxMemory > 0 && rss >= t.MaxMemory

	if highCPU && !already {
		m.emit(eventbus.MetricsCPUHigh, eventbus.High, map[string]any{
			"name": t.ProcessName, "instance_id": t.InstanceID, "cpu_percent": cpuPct, "threshold": t.MaxCPUPercent,
		})
	}
	if highMem && !already {
		m.emit(eventbus.MetricsMemoryHigh, eventbus.High, map[string]any{
			"name": t.ProcessName, "instance_id": t.InstanceID, "memory_rss": rss, "threshold": t.MaxMemory,
		})
	}
	m.mu.Lock()
	m.alerted[t.InstanceID] = highCPU || highMem
	m.mu.Unlock()

	if highMem && m.oomFn != nil {
		m.emit(eventbus.ProcessOOM, eventbus.High, map[string]any{"name": t.ProcessName, "instance_id": t.InstanceID, "memory_rss": rss})
		m.oomFn(t.ProcessName, t.InstanceID)
	}
}

func (m *Monitor) emit(typ eventbus.Type, prio eventbus.Priority, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(context.Background(), eventbus.Event{Type: typ, Priority: prio, Data: data})
}
