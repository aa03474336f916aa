package observer

import (
	"sync"
	"time"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/alert"
	"github.com/hamicek/noex/supervisor"
)

// LifecycleKind enumerates the observer's own lifecycle topics (spec
// §4.10), distinct from the per-process bus in package actor and the
// per-supervisor bus in package supervisor that feed it.
type LifecycleKind int

const (
	ServerStarted LifecycleKind = iota
	ServerStopped
	SupervisorStarted
	SupervisorStopped
	StatsUpdate
)

func (k LifecycleKind) String() string {
	switch k {
	case ServerStarted:
		return "server_started"
	case ServerStopped:
		return "server_stopped"
	case SupervisorStarted:
		return "supervisor_started"
	case SupervisorStopped:
		return "supervisor_stopped"
	case StatsUpdate:
		return "stats_update"
	default:
		return "unknown"
	}
}

// LifecycleEvent is delivered to Observer.Subscribe handlers.
type LifecycleEvent struct {
	Kind           LifecycleKind
	Ref            actor.Ref // ServerStarted/ServerStopped
	SupervisorName string    // SupervisorStarted/SupervisorStopped
	Snapshot       *Snapshot // StatsUpdate
}

// Observer is the read-only introspection surface over one process
// table (spec §4.10). Most applications want the package-level
// Default, built over actor.DefaultTable.
type Observer struct {
	table *actor.Table
	alert *alert.Manager

	mu         sync.Mutex
	subs       []func(LifecycleEvent)
	unsubTable func()
	unsubSuper func()
}

// New builds an Observer over table. A nil table defaults to
// actor.DefaultTable.
func New(table *actor.Table) *Observer {
	if table == nil {
		table = actor.DefaultTable
	}
	o := &Observer{table: table}
	o.unsubTable = table.Subscribe(o.onProcessEvent)
	o.unsubSuper = supervisor.Subscribe(o.onSupervisorEvent)
	return o
}

// Default is the process-wide observer over actor.DefaultTable.
var Default = New(nil)

// AttachAlertManager wires m so that StartPolling feeds it a queue-size
// sample for every process on each tick (spec §4.10 "each tick also
// drives the alert manager's sample intake").
func (o *Observer) AttachAlertManager(m *alert.Manager) { o.alert = m }

// Close unsubscribes from the underlying table and supervisor buses.
func (o *Observer) Close() {
	if o.unsubTable != nil {
		o.unsubTable()
	}
	if o.unsubSuper != nil {
		o.unsubSuper()
	}
}

func (o *Observer) onProcessEvent(evt actor.Event) {
	switch evt.Kind {
	case actor.EventStarted:
		o.emit(LifecycleEvent{Kind: ServerStarted, Ref: evt.Ref})
	case actor.EventTerminated, actor.EventCrashed:
		o.emit(LifecycleEvent{Kind: ServerStopped, Ref: evt.Ref})
	}
}

func (o *Observer) onSupervisorEvent(evt supervisor.Event) {
	switch evt.Kind {
	case supervisor.EventStarted:
		o.emit(LifecycleEvent{Kind: SupervisorStarted, SupervisorName: evt.Name})
	case supervisor.EventStopped:
		o.emit(LifecycleEvent{Kind: SupervisorStopped, SupervisorName: evt.Name})
	}
}

// Subscribe registers handler for every observer lifecycle event. The
// returned func unsubscribes, idempotently.
func (o *Observer) Subscribe(handler func(LifecycleEvent)) func() {
	o.mu.Lock()
	o.subs = append(o.subs, handler)
	idx := len(o.subs) - 1
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if idx < len(o.subs) {
				o.subs[idx] = nil
			}
		})
	}
}

func (o *Observer) emit(evt LifecycleEvent) {
	o.mu.Lock()
	handlers := make([]func(LifecycleEvent), len(o.subs))
	copy(handlers, o.subs)
	o.mu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() { recover() }()
			h(evt)
		}()
	}
}

// StartPolling emits an initial snapshot immediately, then at every
// interval, driving the attached alert manager's sample intake and the
// observer's own stats_update lifecycle event on each tick (spec
// §4.10). The returned func stops the poll loop.
func (o *Observer) StartPolling(interval time.Duration, handler func(Snapshot)) func() {
	stop := make(chan struct{})

	tick := func() {
		snap := o.GetSnapshot()
		o.sampleAlerts(snap)
		handler(snap)
		o.emit(LifecycleEvent{Kind: StatsUpdate, Snapshot: &snap})
	}

	go func() {
		tick()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tick()
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (o *Observer) sampleAlerts(snap Snapshot) {
	if o.alert == nil {
		return
	}
	for _, p := range snap.Servers {
		o.alert.Sample(p.Ref, p.QueueSize, snap.Timestamp)
	}
	for _, s := range snap.Supervisors {
		for _, c := range s.Children {
			if info, ok := o.table.Inspect(c.Ref); ok {
				o.alert.Sample(c.Ref, info.QueueSize, snap.Timestamp)
			}
		}
	}
}

// Package-level convenience wrappers over Default.

func GetSnapshot() Snapshot { return Default.GetSnapshot() }

func StartPolling(interval time.Duration, handler func(Snapshot)) func() {
	return Default.StartPolling(interval, handler)
}

func Subscribe(handler func(LifecycleEvent)) func() { return Default.Subscribe(handler) }
