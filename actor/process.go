package actor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is a process's lifecycle state (spec §3).
type Status int32

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type replyEnvelope struct {
	value any
	err   error
}

type callEnvelope struct {
	msg     any
	replyCh chan replyEnvelope
}

type castEnvelope struct {
	msg any
}

type stopEnvelope struct {
	reason Reason
	done   chan struct{}
}

// process is one mailbox plus its single-consumer handler loop. It is
// never accessed concurrently except for the bookkeeping fields guarded
// by mu, mirroring the guarded-map discipline in the teacher's
// gossip StateMachine.
type process struct {
	ref      Ref
	behavior Behavior
	table    *Table
	logger   *zap.Logger

	mu        sync.Mutex
	state     any
	status    Status
	startedAt time.Time
	msgCount  uint64
	queue     []any
	notify    chan struct{}
	nextCorr  uint64
	pending   map[uint64]chan replyEnvelope

	// stopCh is a priority channel, not part of the FIFO mailbox: a
	// stop request preempts any message that hasn't started running
	// yet, but never aborts a handler already in flight (spec §4.1).
	stopCh chan stopEnvelope
}

func newProcess(ref Ref, b Behavior, tbl *Table, logger *zap.Logger) *process {
	return &process{
		ref:      ref,
		behavior: b,
		table:    tbl,
		logger:   logger,
		status:   StatusInitializing,
		notify:   make(chan struct{}, 1),
		pending:  map[uint64]chan replyEnvelope{},
		stopCh:   make(chan stopEnvelope, 1),
	}
}

// enqueue adds msg to the mailbox tail. Safe from any goroutine;
// non-blocking.
func (p *process) enqueue(msg any) {
	p.mu.Lock()
	p.queue = append(p.queue, msg)
	p.mu.Unlock()
	p.logger.Debug("enqueue", zap.String("ref", p.ref.ID), zap.String("kind", envelopeKind(msg)))
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *process) dequeue() (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	msg := p.queue[0]
	p.queue = p.queue[1:]
	p.logger.Debug("dequeue", zap.String("ref", p.ref.ID), zap.String("kind", envelopeKind(msg)))
	return msg, true
}

// envelopeKind names a mailbox entry for debug logging (spec SPEC_FULL
// §4.1 "added logging").
func envelopeKind(msg any) string {
	switch msg.(type) {
	case callEnvelope:
		return "call"
	case castEnvelope:
		return "cast"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

func (p *process) queueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *process) getStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *process) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *process) nextCorrID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCorr++
	return p.nextCorr
}

func (p *process) stashPending(id uint64, ch chan replyEnvelope) {
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
}

func (p *process) takePending(id uint64) (chan replyEnvelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return ch, ok
}

func (p *process) bumpMessageCount() {
	p.mu.Lock()
	p.msgCount++
	p.mu.Unlock()
}

func (p *process) messageCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgCount
}

// run is the per-process cooperative loop (spec §4.1, §5): dequeue one
// message, run its handler to completion, then dequeue the next. No two
// handler invocations for this process are ever concurrent.
func (p *process) run(initArgs any) {
	state, err := p.behavior.Init(initArgs)
	if err != nil {
		p.logger.Error("init failed", zap.String("ref", p.ref.ID), zap.Error(err))
		p.setStatus(StatusStopped)
		p.table.lifecycle.emit(Event{Kind: EventCrashed, Ref: p.ref, Err: err})
		p.table.remove(p.ref)
		return
	}
	p.mu.Lock()
	p.state = state
	p.status = StatusRunning
	p.startedAt = time.Now()
	p.mu.Unlock()
	p.logger.Info("started", zap.String("ref", p.ref.ID))
	p.table.lifecycle.emit(Event{Kind: EventStarted, Ref: p.ref})

	reason := p.loop()

	p.logger.Info("stopping", zap.String("ref", p.ref.ID), zap.String("reason", reason.String()))
	p.setStatus(StatusStopping)
	p.safeTerminate(reason)
	p.setStatus(StatusStopped)
	p.logger.Info("stopped", zap.String("ref", p.ref.ID))
	if reason.IsError() {
		p.table.lifecycle.emit(Event{Kind: EventCrashed, Ref: p.ref, Err: reason.Err})
	}
	p.table.lifecycle.emit(Event{Kind: EventTerminated, Ref: p.ref, Reason: reason})
	p.table.remove(p.ref)
}

// loop drains the mailbox until a stop is requested or a handler
// crashes, and returns the termination reason.
func (p *process) loop() Reason {
	for {
		select {
		case m := <-p.stopCh:
			close(m.done)
			return m.reason
		default:
		}

		msg, ok := p.dequeue()
		if !ok {
			select {
			case m := <-p.stopCh:
				close(m.done)
				return m.reason
			case <-p.notify:
				continue
			}
		}

		switch m := msg.(type) {
		case callEnvelope:
			p.bumpMessageCount()
			reason, stopped := p.handleCallEnvelope(m)
			if stopped {
				return reason
			}

		case castEnvelope:
			p.bumpMessageCount()
			reason, stopped := p.handleCastEnvelope(m)
			if stopped {
				return reason
			}
		}
	}
}

func (p *process) handleCallEnvelope(m callEnvelope) (Reason, bool) {
	id := p.nextCorrID()
	from := &From{ref: p.ref, proc: p, corrID: id}
	result, err := p.runHandleCall(m.msg, from)
	if err != nil {
		p.deliverReply(m.replyCh, replyEnvelope{err: newCallError(p.ref, err)})
		return Error(err), true
	}

	p.mu.Lock()
	p.state = result.State
	p.mu.Unlock()

	if result.Defer {
		// The handler captured from and will reply later via
		// actor.Reply(from, value); stash the caller's channel so
		// that call can find it.
		p.stashPending(id, m.replyCh)
	} else {
		p.deliverReply(m.replyCh, replyEnvelope{value: result.Reply})
	}

	if result.Stop != nil {
		return *result.Stop, true
	}
	return Reason{}, false
}

func (p *process) runHandleCall(msg any, from *From) (result CallResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
			p.logger.Error("handler panic", zap.String("ref", p.ref.ID), zap.Error(err),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	result, err = p.behavior.HandleCall(msg, st, from)
	return
}

func (p *process) handleCastEnvelope(m castEnvelope) (Reason, bool) {
	newState, err := p.runHandleCast(m.msg)
	if err != nil {
		var sr *StopRequest
		if errors.As(err, &sr) {
			p.mu.Lock()
			p.state = newState
			p.mu.Unlock()
			return sr.Reason, true
		}
		return Error(err), true
	}
	p.mu.Lock()
	p.state = newState
	p.mu.Unlock()
	return Reason{}, false
}

func (p *process) runHandleCast(msg any) (state any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
			p.logger.Error("handler panic", zap.String("ref", p.ref.ID), zap.Error(err),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	return p.behavior.HandleCast(msg, st)
}

func (p *process) deliverReply(ch chan replyEnvelope, env replyEnvelope) {
	if ch == nil {
		return
	}
	select {
	case ch <- env:
	default:
		// Caller already gave up (timeout); drop per spec §4.1.
	}
}

func (p *process) safeTerminate(reason Reason) {
	t, ok := p.behavior.(Terminator)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err := panicToError(r)
			p.logger.Error("terminate panic", zap.String("ref", p.ref.ID), zap.Error(err),
				zap.String("stack", string(debug.Stack())))
			p.table.lifecycle.emit(Event{Kind: EventCrashed, Ref: p.ref, Err: err})
		}
	}()
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	t.Terminate(reason, st)
}

// reply delivers value to the reply channel stashed for corrID, if the
// caller hasn't already timed out. Exactly-once per handle: a second
// call for the same corrID finds nothing and returns ErrProcessStopped.
func (p *process) reply(corrID uint64, value any) error {
	ch, ok := p.takePending(corrID)
	if !ok {
		return ErrProcessStopped
	}
	p.deliverReply(ch, replyEnvelope{value: value})
	return nil
}
