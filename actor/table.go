package actor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// ProcessInfo is the read-only per-process snapshot consumed by the
// observer (spec §4.10).
type ProcessInfo struct {
	Ref           Ref
	Status        Status
	QueueSize     int
	MessageCount  uint64
	StartedAt     time.Time
	UptimeMs      int64
}

// Table is the process table: it owns every process record on this
// node. One instance, DefaultTable, is the process-wide singleton named
// in spec §9; isolated tables are not part of the spec but the type is
// exported so tests don't trip over shared global state.
type Table struct {
	nodeID    string
	logger    *zap.Logger
	lifecycle *lifecycleBus

	mu    sync.RWMutex
	procs map[string]*process
}

// NewTable creates an independent process table bound to nodeID (used
// to stamp refs). Most callers want DefaultTable.
func NewTable(nodeID string, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		nodeID:    nodeID,
		logger:    logger,
		lifecycle: newLifecycleBus(),
		procs:     map[string]*process{},
	}
}

// DefaultTable is the runtime-wide process table singleton (spec §9).
var DefaultTable = NewTable("local", zap.NewNop())

// SetLogger swaps the table's logger, e.g. to wire in the host
// application's configured *zap.Logger.
func (t *Table) SetLogger(l *zap.Logger) {
	t.mu.Lock()
	t.logger = l
	t.mu.Unlock()
}

// NodeID returns the node identity this table's refs are stamped with.
func (t *Table) NodeID() string { return t.nodeID }

// SetNodeID rebinds the table to a cluster node identity once one is
// assigned by package cluster at startup.
func (t *Table) SetNodeID(id string) {
	t.mu.Lock()
	t.nodeID = id
	t.mu.Unlock()
}

// Start creates a process running behavior and returns its ref once
// Init has been scheduled (spec §4.1). Init itself runs on the
// process's own goroutine; Start does not block on it.
func (t *Table) Start(behavior Behavior, initArgs any) Ref {
	t.mu.RLock()
	nodeID := t.nodeID
	logger := t.logger
	t.mu.RUnlock()

	ref := Ref{ID: xid.New().String(), NodeID: nodeID}
	p := newProcess(ref, behavior, t, logger)

	t.mu.Lock()
	t.procs[ref.ID] = p
	t.mu.Unlock()

	go p.run(initArgs)
	return ref
}

func (t *Table) lookup(ref Ref) (*process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[ref.ID]
	return p, ok
}

func (t *Table) remove(ref Ref) {
	t.mu.Lock()
	delete(t.procs, ref.ID)
	t.mu.Unlock()
}

// Call sends msg to ref and blocks for its reply, per spec §4.1.
// timeout <= 0 fails immediately without ever reaching the handler.
func (t *Table) Call(ref Ref, msg any, timeout time.Duration) (any, error) {
	p, ok := t.lookup(ref)
	if !ok {
		return nil, newCallError(ref, ErrNoSuchProcess)
	}
	if timeout <= 0 {
		return nil, newCallError(ref, ErrCallTimeout)
	}

	replyCh := make(chan replyEnvelope, 1)
	p.enqueue(callEnvelope{msg: msg, replyCh: replyCh})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-replyCh:
		return env.value, env.err
	case <-timer.C:
		return nil, newCallError(ref, ErrCallTimeout)
	}
}

// Cast sends msg to ref without waiting. Sends to a stale local ref are
// dropped silently (spec §3).
func (t *Table) Cast(ref Ref, msg any) {
	p, ok := t.lookup(ref)
	if !ok {
		return
	}
	p.enqueue(castEnvelope{msg: msg})
}

// Stop asks ref to terminate with reason, waiting up to shutdownTimeout
// for it to do so. A zero shutdownTimeout means wait indefinitely. On
// timeout the process is forcibly removed and a kill lifecycle event is
// emitted, per spec §4.3 (the supervisor is the usual caller of this
// path, but any caller may use it).
func (t *Table) Stop(ref Ref, reason Reason, shutdownTimeout time.Duration) error {
	p, ok := t.lookup(ref)
	if !ok {
		return nil
	}

	done := make(chan struct{})
	select {
	case p.stopCh <- stopEnvelope{reason: reason, done: done}:
	default:
		return fmt.Errorf("actor: stop already requested for %s", ref)
	}

	if shutdownTimeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		t.remove(ref)
		t.lifecycle.emit(Event{Kind: EventTerminated, Ref: ref, Reason: Killed()})
		return fmt.Errorf("actor: %s did not stop within %s, killed", ref, shutdownTimeout)
	}
}

// Reply answers a deferred call captured as from, exactly once (spec
// §3 "deferred reply handle").
func (t *Table) Reply(from *From, value any) error {
	if from == nil || from.proc == nil {
		return ErrProcessStopped
	}
	return from.proc.reply(from.corrID, value)
}

// Inspect returns a point-in-time snapshot of one process.
func (t *Table) Inspect(ref Ref) (ProcessInfo, bool) {
	p, ok := t.lookup(ref)
	if !ok {
		return ProcessInfo{}, false
	}
	return p.info(), true
}

// List returns a point-in-time snapshot of every process on this
// table, in no particular order.
func (t *Table) List() []ProcessInfo {
	t.mu.RLock()
	procs := make([]*process, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.RUnlock()

	out := make([]ProcessInfo, len(procs))
	for i, p := range procs {
		out[i] = p.info()
	}
	return out
}

// Subscribe registers handler for every lifecycle event on this table:
// started/terminated/crashed/restarted.
func (t *Table) Subscribe(handler func(Event)) func() {
	return t.lifecycle.Subscribe(handler)
}

// EmitRestarted reports a supervisor-driven restart of ref on this
// table's lifecycle bus (spec §4.1 "restarted(ref, attempt)"). Called by
// package supervisor once a child has been successfully restarted.
func (t *Table) EmitRestarted(ref Ref, attempt int) {
	t.lifecycle.emit(Event{Kind: EventRestarted, Ref: ref, Attempt: attempt})
}

func (p *process) info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var uptime int64
	if !p.startedAt.IsZero() {
		uptime = time.Since(p.startedAt).Milliseconds()
	}
	return ProcessInfo{
		Ref:          p.ref,
		Status:       p.status,
		QueueSize:    len(p.queue),
		MessageCount: p.msgCount,
		StartedAt:    p.startedAt,
		UptimeMs:     uptime,
	}
}

// Package-level convenience wrappers over DefaultTable, the usual entry
// point for application code (spec §4.1/§4.2's top-level start/call/
// cast/stop surface).

func Start(behavior Behavior, initArgs any) Ref {
	return DefaultTable.Start(behavior, initArgs)
}

func Call(ref Ref, msg any, timeout time.Duration) (any, error) {
	return DefaultTable.Call(ref, msg, timeout)
}

func Cast(ref Ref, msg any) {
	DefaultTable.Cast(ref, msg)
}

func Stop(ref Ref, reason Reason, shutdownTimeout time.Duration) error {
	return DefaultTable.Stop(ref, reason, shutdownTimeout)
}

func Reply(from *From, value any) error {
	return DefaultTable.Reply(from, value)
}

func Subscribe(handler func(Event)) func() {
	return DefaultTable.Subscribe(handler)
}

func EmitRestarted(ref Ref, attempt int) {
	DefaultTable.EmitRestarted(ref, attempt)
}
