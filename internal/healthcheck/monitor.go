package healthcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/tspmhq/tspm/internal/eventbus"
)

// RestartFunc requests a ManagedProcess restart with the given reason. The
// HealthMonitor never restarts directly; it only asks.
type RestartFunc func(reason string)

// HealthEvent is the Data payload of an INSTANCE_HEALTH_CHANGE event.
type HealthEvent struct {
	Name       string
	InstanceID int
	Healthy    bool
	Err        error
}

// Monitor schedules repeated Checker.Check calls for one Instance, grounded
// on phpeek-pm's HealthMonitor ticker-with-initial-delay loop, generalized
// to use a resettable retries-based threshold (matching spec.md §4.6)
// instead of phpeek-pm's separate failure/success thresholds, and to emit
// onto an eventbus.Bus instead of returning a channel.
type Monitor struct {
	name       string
	instanceID int
	cfg        *Config
	checker    Checker
	bus        *eventbus.Bus
	restart    RestartFunc
	logger     *slog.Logger

	consecutiveFails int
	healthy          bool
}

// NewMonitor constructs a Monitor for one Instance. cfg must already be
// validated (Validate called by the owning ProcessSpec.Validate).
func NewMonitor(name string, instanceID int, cfg *Config, bus *eventbus.Bus, restart RestartFunc, logger *slog.Logger) (*Monitor, error) {
	checker, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		name:       name,
		instanceID: instanceID,
		cfg:        cfg,
		checker:    checker,
		bus:        bus,
		restart:    restart,
		logger:     logger,
		healthy:    true, // start optimistic, matching phpeek-pm's HealthMonitor
	}, nil
}

// Run blocks until ctx is done, probing on the configured schedule. Callers
// run it in its own goroutine, one per Instance with health checking
// enabled.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg == nil || !m.cfg.Enabled {
		return
	}
	if m.cfg.InitialDelay > 0 {
		select {
		case <-time.After(m.cfg.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.checker.Check(checkCtx)
	if err != nil {
		m.consecutiveFails++
		m.logger.Warn("health probe failed", "name", m.name, "instance", m.instanceID,
			"consecutive_fails", m.consecutiveFails, "retries", m.cfg.Retries, "error", err)

		if m.consecutiveFails >= m.cfg.Retries {
			if m.healthy {
				m.healthy = false
				m.emit(ctx, false, err)
				if m.restart != nil {
					m.restart("health")
				}
			}
		}
		return
	}

	m.consecutiveFails = 0
	if !m.healthy {
		m.healthy = true
		m.emit(ctx, true, nil)
	}
}

func (m *Monitor) emit(ctx context.Context, healthy bool, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, eventbus.Event{
		Type:     eventbus.InstanceHealth,
		Source:   m.name,
		Priority: eventbus.Normal,
		Data:     HealthEvent{Name: m.name, InstanceID: m.instanceID, Healthy: healthy, Err: err},
	})
}
