// Package restartpolicy implements the pure decision function described in
// spec.md §4.4: given a ProcessSpec, the exit that just happened, the
// current restart counter, and the instance's uptime, decide whether the
// ManagedProcess should respawn it, give up, or do nothing. The backoff
// curve (min(baseDelay*multiplier^i, maxDelay)) reuses the exponential
// backoff math of github.com/cenkalti/backoff/v4, already present in
// provisr's dependency graph (pulled in transitively via testcontainers)
// and elevated here to a direct dependency, matching the restart-backoff
// role the nasnet-community orchestrator's supervisor wires it into.
package restartpolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tspmhq/tspm/internal/instance"
	"github.com/tspmhq/tspm/internal/procspec"
)

// Reason tags why a restart was requested, threaded through PROCESS_RESTART
// events.
type Reason string

const (
	ReasonCrash  Reason = "crash"
	ReasonUnstable Reason = "unstable"
	ReasonOOM    Reason = "oom"
	ReasonHealth Reason = "health"
	ReasonWatch  Reason = "watch"
	ReasonManual Reason = "manual"
)

// Outcome enumerates the three decisions RestartPolicy may reach, per
// spec.md §4.4's Decision union.
type Outcome int

const (
	NoAction Outcome = iota
	Respawn
	GiveUp
)

// Decision is the pure-function result of Decide.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
	Reason  Reason
}

// Default backoff curve parameters, used when spec.RestartDelay is zero.
// Per spec.md §4.2 and testable property 4, the schedule starts at 1s and
// doubles: 1s, 2s, 4s, ... capped at DefaultMaxDelay.
const (
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMultiplier = 2.0
)

// Decide evaluates the restart policy for one instance exit. It is a pure
// function: no I/O, no goroutines, no reference to wall-clock `now` beyond
// the uptime already computed by the caller. The owning ManagedProcess owns
// the clock and schedules the delayed respawn itself.
func Decide(spec *procspec.Spec, exit instance.ExitInfo, restartCount int, uptime time.Duration) Decision {
	if !spec.AutoRestart {
		return Decision{Outcome: NoAction}
	}
	if spec.MaxRestarts > 0 && restartCount >= spec.MaxRestarts {
		return Decision{Outcome: GiveUp, Reason: ReasonCrash}
	}

	reason := ReasonCrash
	if uptime < spec.MinUptime {
		reason = ReasonUnstable
	}

	delay := spec.RestartDelay
	if delay == 0 {
		delay = backoffDelay(restartCount)
	}
	return Decision{Outcome: Respawn, Delay: delay, Reason: reason}
}

// DecideWithReason is used by OOM/health/watch triggers, which request a
// restart directly rather than reacting to an instance exit. MaxRestarts
// still gates these the same way it gates crash-triggered restarts.
func DecideWithReason(spec *procspec.Spec, restartCount int, reason Reason) Decision {
	if spec.MaxRestarts > 0 && restartCount >= spec.MaxRestarts {
		return Decision{Outcome: GiveUp, Reason: reason}
	}
	delay := spec.RestartDelay
	if delay == 0 {
		delay = backoffDelay(restartCount)
	}
	return Decision{Outcome: Respawn, Delay: delay, Reason: reason}
}

// backoffDelay computes min(baseDelay*multiplier^restartCount, maxDelay) by
// driving backoff.ExponentialBackOff.NextBackOff() restartCount+1 times,
// matching spec.md §4.4's exponential-backoff requirement while keeping the
// function itself deterministic for a given restartCount: RandomizationFactor
// is zeroed and MaxElapsedTime is disabled so NextBackOff never consults the
// wall clock or jitter and never returns backoff.Stop.
func backoffDelay(restartCount int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = DefaultBaseDelay
	eb.Multiplier = DefaultMultiplier
	eb.MaxInterval = DefaultMaxDelay
	eb.RandomizationFactor = 0 // deterministic: Decide must be pure
	eb.MaxElapsedTime = 0      // never expire: NextBackOff must not return Stop

	delay := eb.NextBackOff()
	for i := 0; i < restartCount; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}
