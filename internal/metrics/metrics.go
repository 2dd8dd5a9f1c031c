// Package metrics exposes the Prometheus counters/gauges the supervision
// engine records at process-state-machine transitions, grounded on
// provisr's internal/metrics/metrics.go (processStarts/processRestarts/
// processStops/stateTransitions/currentStates), re-namespaced from
// "provisr" to "tspm". Per spec.md §9 Design Notes, the engine otherwise
// avoids package-level singletons; Prometheus collectors are the one
// documented exception (every pack repo using prometheus/client_golang
// registers process-global collectors by convention).
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tspm",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tspm",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restarts, by reason.",
		}, []string{"name", "reason"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tspm",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tspm",
			Subsystem: "process",
			Name:      "running_instances",
			Help:      "Current running instances per process name.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tspm",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between ManagedProcess states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tspm",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of a ManagedProcess (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tspm",
			Subsystem: "instance",
			Name:      "cpu_percent",
			Help:      "Last-sampled CPU usage percentage for a managed instance.",
		}, []string{"name", "instance_id"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tspm",
			Subsystem: "instance",
			Name:      "memory_rss_bytes",
			Help:      "Last-sampled resident memory for a managed instance.",
		}, []string{"name", "instance_id"},
	)
)

// Register registers every collector with r. Safe to call more than once;
// subsequent calls after the first success are no-ops, matching provisr's
// own idempotent Register.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		processStarts, processRestarts, processStops, runningInstances,
		stateTransitions, currentStates, cpuPercent, memoryRSS,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves Prometheus metrics for the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func SetRunningInstances(name string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(name).Set(float64(n))
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentStates.WithLabelValues(name, state).Set(v)
	}
}

func SetInstanceSample(name, instanceID string, cpuPct float64, rss int64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name, instanceID).Set(cpuPct)
		memoryRSS.WithLabelValues(name, instanceID).Set(float64(rss))
	}
}
