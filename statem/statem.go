package statem

import (
	"fmt"
	"time"

	"github.com/hamicek/noex/actor"
)

type getStateMsg struct{}
type getDataMsg struct{}

type stateTimeoutFired struct {
	gen   uint64
	event any
}

type eventTimeoutFired struct {
	gen   uint64
	event any
}

type genericTimeoutFired struct {
	name  string
	gen   uint64
	event any
}

type postponedItem struct {
	event any
	from  *actor.From
}

// Machine is the per-process runtime for a Spec. One Machine backs
// exactly one actor.Ref; all its fields are touched only from that
// process's own single goroutine, the same single-writer discipline
// actor.process itself relies on, except selfCh which hands the ref
// across from Start.
type Machine struct {
	spec  Spec
	table *actor.Table

	selfCh chan actor.Ref
	self   actor.Ref

	state string
	data  any

	postponed []postponedItem

	stateTimer *time.Timer
	stateGen   uint64

	eventTimer *time.Timer
	eventGen   uint64

	genericTimers map[string]*time.Timer
	genericGen    map[string]uint64
}

// Start launches a new state machine process on table (actor.DefaultTable
// if nil) and returns its ref.
func Start(table *actor.Table, spec Spec, args any) actor.Ref {
	if table == nil {
		table = actor.DefaultTable
	}
	m := &Machine{
		spec:          spec,
		table:         table,
		selfCh:        make(chan actor.Ref, 1),
		genericTimers: map[string]*time.Timer{},
		genericGen:    map[string]uint64{},
	}
	ref := table.Start(m, args)
	m.selfCh <- ref
	return ref
}

// GetState returns the machine's current state name (spec §4.6
// introspection call).
func GetState(table *actor.Table, ref actor.Ref, timeout time.Duration) (string, error) {
	if table == nil {
		table = actor.DefaultTable
	}
	v, err := table.Call(ref, getStateMsg{}, timeout)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// GetData returns the machine's current data value.
func GetData(table *actor.Table, ref actor.Ref, timeout time.Duration) (any, error) {
	if table == nil {
		table = actor.DefaultTable
	}
	return table.Call(ref, getDataMsg{}, timeout)
}

// Init runs spec.Init and applies its actions once self is known.
func (m *Machine) Init(args any) (any, error) {
	m.self = <-m.selfCh
	state, data, actions := m.spec.Init(args)
	m.state = state
	m.data = data
	// spec.Init has no `stop` in its vocabulary, so a reason can only
	// come back here via a pathological next_event chain; ignored.
	m.applyActions(actions)
	return nil, nil
}

// HandleCall answers getState/getData directly; any other message is
// an event handed to the current state's HandleEvent, always deferred
// since the only way statem replies to a call is the explicit Reply
// action.
func (m *Machine) HandleCall(msg any, state any, from *actor.From) (actor.CallResult, error) {
	switch msg.(type) {
	case getStateMsg:
		return actor.CallResult{Reply: m.state, State: state}, nil
	case getDataMsg:
		return actor.CallResult{Reply: m.data, State: state}, nil
	}

	m.cancelEventTimeout()
	reason := m.dispatch(msg, from)
	return actor.CallResult{State: state, Defer: true, Stop: reason}, nil
}

// HandleCast routes timer-fired messages back through HandleEvent as
// TimeoutEvents (dropping stale fires by generation token) and hands
// everything else straight to dispatch.
func (m *Machine) HandleCast(msg any, state any) (any, error) {
	var event any
	switch tm := msg.(type) {
	case stateTimeoutFired:
		if tm.gen != m.stateGen {
			return state, nil
		}
		event = TimeoutEvent{Kind: KindStateTimeout, Event: tm.event}
	case eventTimeoutFired:
		if tm.gen != m.eventGen {
			return state, nil
		}
		event = TimeoutEvent{Kind: KindEventTimeout, Event: tm.event}
	case genericTimeoutFired:
		if m.genericGen[tm.name] != tm.gen {
			return state, nil
		}
		event = TimeoutEvent{Kind: KindGenericTimeout, Name: tm.name, Event: tm.event}
	default:
		event = msg
	}

	m.cancelEventTimeout()
	if reason := m.dispatch(event, nil); reason != nil {
		return state, actor.StopWith(*reason)
	}
	return state, nil
}

// Terminate runs spec.Terminate, if set, and releases every live timer.
func (m *Machine) Terminate(reason actor.Reason, state any) {
	if m.spec.Terminate != nil {
		m.spec.Terminate(reason, m.state, m.data)
	}
	m.stopAllTimers()
}

// dispatch runs one event through the current state's HandleEvent and
// applies its result, recursing for next_event injection and postpone
// replay exactly as ordered by spec §4.6's action ordering rule. It
// returns non-nil only when the chain ends in a `stop` result.
func (m *Machine) dispatch(event any, from *actor.From) *actor.Reason {
	handler, ok := m.spec.States[m.state]
	if !ok {
		panic(fmt.Sprintf("statem: no handler registered for state %q", m.state))
	}

	result := handler.HandleEvent(event, m.data, from)

	switch result.Kind {
	case KPostpone:
		m.postponed = append(m.postponed, postponedItem{event: event, from: from})
		return nil

	case KStop:
		m.data = result.Data
		reason := result.Reason
		return &reason

	case KKeepStateAndData:
		return m.applyActions(result.Actions)

	case KKeepState:
		m.data = result.Data
		return m.applyActions(result.Actions)

	case KTransition:
		prev := m.state
		if handler.OnExit != nil {
			handler.OnExit(m.data, result.NextState)
		}
		m.data = result.Data
		m.state = result.NextState
		if m.state != prev {
			m.cancelStateTimeout()
		}

		if next, ok := m.spec.States[m.state]; ok && next.OnEnter != nil {
			next.OnEnter(m.data, prev)
		}

		if reason := m.applyActions(result.Actions); reason != nil {
			return reason
		}
		if m.state != prev {
			return m.replayPostponed()
		}
		return nil

	default:
		panic(fmt.Sprintf("statem: unknown result kind %d", result.Kind))
	}
}

// applyActions applies a result's actions in the order spec §4.6
// mandates: timer install/cancel, then reply deliveries, then
// next_event injection.
func (m *Machine) applyActions(actions []Action) *actor.Reason {
	var timers, replies, nexts []Action
	for _, a := range actions {
		switch a.Kind {
		case AStateTimeout, AEventTimeout, AGenericTimeout:
			timers = append(timers, a)
		case AReply:
			replies = append(replies, a)
		case ANextEvent:
			nexts = append(nexts, a)
		}
	}

	for _, a := range timers {
		m.installTimer(a)
	}
	for _, a := range replies {
		if a.From != nil {
			m.table.Reply(a.From, a.Value)
		}
	}
	for _, a := range nexts {
		if reason := m.dispatch(a.Event, nil); reason != nil {
			return reason
		}
	}
	return nil
}

// replayPostponed re-processes the postpone queue in FIFO order after a
// real state change (spec §4.6). A stop encountered mid-replay aborts
// the remaining replay.
func (m *Machine) replayPostponed() *actor.Reason {
	items := m.postponed
	m.postponed = nil
	for _, it := range items {
		if reason := m.dispatch(it.event, it.from); reason != nil {
			return reason
		}
	}
	return nil
}

func (m *Machine) installTimer(a Action) {
	switch a.Kind {
	case AStateTimeout:
		m.cancelStateTimeout()
		m.stateGen++
		gen := m.stateGen
		m.stateTimer = time.AfterFunc(a.Time, func() {
			m.table.Cast(m.self, stateTimeoutFired{gen: gen, event: a.Event})
		})

	case AEventTimeout:
		m.cancelEventTimeout()
		m.eventGen++
		gen := m.eventGen
		m.eventTimer = time.AfterFunc(a.Time, func() {
			m.table.Cast(m.self, eventTimeoutFired{gen: gen, event: a.Event})
		})

	case AGenericTimeout:
		if old, ok := m.genericTimers[a.Name]; ok {
			old.Stop()
			delete(m.genericTimers, a.Name)
		}
		m.genericGen[a.Name]++
		if a.Time <= 0 {
			return
		}
		gen := m.genericGen[a.Name]
		name := a.Name
		m.genericTimers[name] = time.AfterFunc(a.Time, func() {
			m.table.Cast(m.self, genericTimeoutFired{name: name, gen: gen, event: a.Event})
		})
	}
}

// cancelStateTimeout clears any pending state timeout. A transition to
// a different state cancels it; a fresh AStateTimeout action re-arms
// immediately afterward.
func (m *Machine) cancelStateTimeout() {
	m.stateGen++
	if m.stateTimer != nil {
		m.stateTimer.Stop()
		m.stateTimer = nil
	}
}

// cancelEventTimeout clears any pending event timeout. It runs before
// every top-level event is dispatched (spec §3: "the event timer is
// canceled on any processed event"); a handler that wants it to keep
// covering idle periods must re-issue EventTimeoutAction every cycle.
func (m *Machine) cancelEventTimeout() {
	m.eventGen++
	if m.eventTimer != nil {
		m.eventTimer.Stop()
		m.eventTimer = nil
	}
}

func (m *Machine) stopAllTimers() {
	if m.stateTimer != nil {
		m.stateTimer.Stop()
	}
	if m.eventTimer != nil {
		m.eventTimer.Stop()
	}
	for _, t := range m.genericTimers {
		t.Stop()
	}
}
