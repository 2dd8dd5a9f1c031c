// Package eventbus implements the in-process publish/subscribe hub that
// connects every other engine component, per spec.md §4.8. It has no direct
// precedent in the teacher repo's own source (provisr has no event bus of
// its own); its shape is grounded on the events.Publisher field referenced
// by the nasnet-community orchestrator's supervisor_process.go. Dispatch is
// fully sequential and priority-ordered (spec.md §4.8 requires strict
// HIGH→NORMAL→LOW delivery), so unlike internal/supervisor's worker pool
// this package has no use for golang.org/x/sync/errgroup.
package eventbus

import (
	"container/ring"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Priority orders listener dispatch within one Emit call: HIGH listeners run
// before NORMAL, which run before LOW.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// Type identifies the kind of an Event, per the event type table in
// spec.md §6.
type Type string

const (
	ProcessStart       Type = "process:start"
	ProcessStop        Type = "process:stop"
	ProcessRestart     Type = "process:restart"
	ProcessExit        Type = "process:exit"
	ProcessError       Type = "process:error"
	ProcessStateChange Type = "process:state-change"
	ProcessLog         Type = "process:log"
	ProcessOOM         Type = "process:oom"
	InstanceAdd        Type = "instance:add"
	InstanceRemove     Type = "instance:remove"
	InstanceHealth     Type = "instance:health-change"
	SystemStart        Type = "system:start"
	SystemStop         Type = "system:stop"
	SystemError        Type = "system:error"
	MetricsUpdate      Type = "metrics:update"
	MetricsCPUHigh     Type = "metrics:cpu-high"
	MetricsMemoryHigh  Type = "metrics:memory-high"
	ConfigReload       Type = "config:reload"
	ConfigChange       Type = "config:change"

	// wildcard subscription selector, matches every Type.
	Wildcard Type = "*"
)

// Event is an immutable record of one occurrence, per spec.md §3.
type Event struct {
	Type     Type
	Ts       time.Time
	Source   string
	Priority Priority
	Data     any
}

// Listener receives events synchronously; it must not block indefinitely, as
// Emit awaits every matched listener before returning.
type Listener func(ctx context.Context, ev Event) error

// Unsubscribe removes a previously registered listener. Safe to call more
// than once, and safe to call from within the listener's own invocation.
type Unsubscribe func()

type registration struct {
	id       uint64
	typ      Type
	priority Priority
	listener Listener
}

// Bus is a single in-process event bus instance. Per spec.md §9 Design
// Notes there is no package-level default bus: callers construct one Bus per
// Supervisor/daemon (or per test).
type Bus struct {
	mu           sync.RWMutex
	listeners    map[Type][]registration
	wildcard     []registration
	nextID       uint64
	history      *ring.Ring
	historyMu    sync.Mutex
	maxHistory   int
	maxListeners int
	logger       *slog.Logger
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithHistorySize overrides the default 100-entry history ring.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
			b.history = ring.New(n)
		}
	}
}

// WithLogger overrides the default slog.Default() logger used to report
// listener errors.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMaxListeners sets the per-type (and wildcard) listener count above
// which Subscribe/Once log a warning, per spec.md §4.8. The default is 0,
// meaning unlimited: no threshold is ever checked.
func WithMaxListeners(n int) Option {
	return func(b *Bus) { b.maxListeners = n }
}

// New constructs a Bus with a default 100-entry history ring and unlimited
// listeners per type.
func New(opts ...Option) *Bus {
	b := &Bus{
		listeners:  make(map[Type][]registration),
		maxHistory: 100,
		logger:     slog.Default(),
	}
	b.history = ring.New(b.maxHistory)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers listener for typ (or Wildcard for every event) at the
// given priority; within a priority band, Emit preserves registration order.
// Returned Unsubscribe removes the listener; it is safe to call more than
// once and safe to call concurrently with Emit, including from within the
// listener's own invocation.
func (b *Bus) Subscribe(typ Type, priority Priority, listener Listener) Unsubscribe {
	return b.subscribe(typ, priority, listener)
}

// Once registers a listener that automatically unsubscribes itself after its
// first invocation, per spec.md §4.8's once(type, listener, priority).
func (b *Bus) Once(typ Type, priority Priority, listener Listener) Unsubscribe {
	var (
		once  sync.Once
		unsub Unsubscribe
	)
	wrapped := func(ctx context.Context, ev Event) error {
		var err error
		once.Do(func() {
			err = listener(ctx, ev)
			unsub()
		})
		return err
	}
	unsub = b.subscribe(typ, priority, wrapped)
	return unsub
}

func (b *Bus) subscribe(typ Type, priority Priority, listener Listener) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	reg := registration{id: id, typ: typ, priority: priority, listener: listener}
	var count int
	if typ == Wildcard {
		b.wildcard = append(b.wildcard, reg)
		count = len(b.wildcard)
	} else {
		b.listeners[typ] = append(b.listeners[typ], reg)
		count = len(b.listeners[typ])
	}
	maxListeners := b.maxListeners
	b.mu.Unlock()

	if maxListeners > 0 && count > maxListeners {
		b.logger.Warn("eventbus: listener count exceeds maxListeners",
			"event_type", typ, "count", count, "max_listeners", maxListeners)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if typ == Wildcard {
				b.wildcard = removeReg(b.wildcard, id)
			} else {
				b.listeners[typ] = removeReg(b.listeners[typ], id)
			}
		})
	}
}

// RemoveAllListeners removes every listener subscribed to the given types
// (typed and wildcard registrations alike). With no arguments, it clears
// every listener on the bus, per spec.md §4.8's removeAllListeners([type]).
func (b *Bus) RemoveAllListeners(typ ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(typ) == 0 {
		b.listeners = make(map[Type][]registration)
		b.wildcard = nil
		return
	}
	for _, t := range typ {
		if t == Wildcard {
			b.wildcard = nil
		} else {
			delete(b.listeners, t)
		}
	}
}

func removeReg(regs []registration, id uint64) []registration {
	out := regs[:0:0]
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// Emit publishes ev synchronously: it records ev into the history ring, then
// dispatches to every matching listener (typed + wildcard) in strict
// priority order — HIGH, then NORMAL, then LOW, with registration order as
// the tie-break within one band, per spec.md §4.8. Listeners run one at a
// time on the calling goroutine; a listener's error (or panic, recovered) is
// logged and never aborts delivery to the remaining listeners — faults
// local to one listener never cascade, per spec.md §7. Emit returns only
// after every matched listener has run.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}

	b.historyMu.Lock()
	b.history.Value = ev
	b.history = b.history.Next()
	b.historyMu.Unlock()

	b.mu.RLock()
	matched := append([]registration{}, b.listeners[ev.Type]...)
	matched = append(matched, b.wildcard...)
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].id < matched[j].id
	})

	for _, reg := range matched {
		b.invoke(ctx, reg, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, reg registration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus listener panicked", "event_type", ev.Type, "recover", r)
		}
	}()
	if err := reg.listener(ctx, ev); err != nil {
		b.logger.Warn("eventbus listener returned error", "event_type", ev.Type, "error", err)
	}
}

// History returns up to limit most-recent events, newest last. limit<=0
// returns the full retained history (up to maxHistory entries).
func (b *Bus) History(limit int) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	out := make([]Event, 0, b.maxHistory)
	b.history.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(Event))
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
