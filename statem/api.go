// Package statem implements the explicit-state state machine behavior
// of spec §4.6 as a specialized actor.Behavior: state-indexed event
// handlers, five transition result kinds, three timeout kinds, a
// postpone queue, next_event injection, and deferred reply.
//
// It is grounded on gossip/pkg/statemachine.go's discipline of applying
// a transition only when it actually advances observable state
// (Generation/Version/Tainted precedence), carried here into dispatch's
// "only a real state change replays the postpone queue" rule.
package statem

import (
	"time"

	"github.com/hamicek/noex/actor"
)

// Kind of a timeout event delivered to HandleEvent (spec §4.6).
const (
	KindStateTimeout   = "state_timeout"
	KindEventTimeout   = "event_timeout"
	KindGenericTimeout = "generic_timeout"
)

// TimeoutEvent is what HandleEvent receives when a timer fires. It
// flows through HandleEvent exactly like any other event.
type TimeoutEvent struct {
	Kind string // one of the Kind* constants above
	Name string // generic_timeout's name; empty otherwise
	Event any
}

// ResultKind is one of the five TransitionResult shapes (spec §4.6).
type ResultKind int

const (
	KTransition ResultKind = iota
	KKeepState
	KKeepStateAndData
	KPostpone
	KStop
)

// Result is the value a StateHandler's HandleEvent returns. Build one
// with Transition, KeepState, KeepStateAndData, Postpone, or Stop.
type Result struct {
	Kind      ResultKind
	NextState string
	Data      any
	Actions   []Action
	Reason    actor.Reason // KStop only
}

// Transition moves to nextState with new data, running onExit/onEnter
// and replaying the postpone queue once the state change takes effect.
func Transition(nextState string, data any, actions ...Action) Result {
	return Result{Kind: KTransition, NextState: nextState, Data: data, Actions: actions}
}

// KeepState stays in the current state with new data; onEnter/onExit
// do not run.
func KeepState(data any, actions ...Action) Result {
	return Result{Kind: KKeepState, Data: data, Actions: actions}
}

// KeepStateAndData changes neither state nor data.
func KeepStateAndData(actions ...Action) Result {
	return Result{Kind: KKeepStateAndData, Actions: actions}
}

// Postpone buffers the current event for replay immediately after the
// next state change.
func Postpone() Result { return Result{Kind: KPostpone} }

// Stop runs Terminate and stops the process with reason.
func Stop(reason actor.Reason, data any) Result {
	return Result{Kind: KStop, Reason: reason, Data: data}
}

// ActionKind selects one of the side effects a Result may attach.
type ActionKind int

const (
	AStateTimeout ActionKind = iota
	AEventTimeout
	AGenericTimeout
	ANextEvent
	AReply
)

// Action is one side effect attached to a Result (spec §4.6).
type Action struct {
	Kind  ActionKind
	Time  time.Duration
	Name  string // AGenericTimeout only
	Event any    // timeout payload, or the injected event for ANextEvent
	From  *actor.From
	Value any
}

// StateTimeoutAction fires after d unless the state changes first; it
// cancels any previously pending state timeout.
func StateTimeoutAction(d time.Duration, event any) Action {
	return Action{Kind: AStateTimeout, Time: d, Event: event}
}

// EventTimeoutAction fires after d of no incoming events. It is
// canceled whenever any event is processed, including itself firing;
// the handler must return a fresh EventTimeoutAction each cycle to keep
// covering the next idle period.
func EventTimeoutAction(d time.Duration, event any) Action {
	return Action{Kind: AEventTimeout, Time: d, Event: event}
}

// GenericTimeoutAction installs or replaces the named timer, which
// survives state transitions. A zero d cancels it.
func GenericTimeoutAction(name string, d time.Duration, event any) Action {
	return Action{Kind: AGenericTimeout, Name: name, Time: d, Event: event}
}

// NextEventAction injects event as the very next event processed,
// ahead of the mailbox.
func NextEventAction(event any) Action {
	return Action{Kind: ANextEvent, Event: event}
}

// ReplyAction answers a deferred call handle captured by HandleEvent's
// from argument.
func ReplyAction(from *actor.From, value any) Action {
	return Action{Kind: AReply, From: from, Value: value}
}

// StateHandler is the per-state callback record (spec §4.6).
type StateHandler struct {
	HandleEvent func(event any, data any, from *actor.From) Result
	OnEnter     func(data any, previousState string)
	OnExit      func(data any, nextState string)
}

// Spec is the machine's static definition, passed to Start.
type Spec struct {
	Init      func(args any) (state string, data any, actions []Action)
	States    map[string]StateHandler
	Terminate func(reason actor.Reason, state string, data any)
}
