package actor

import "sync"

// EventKind enumerates the runtime's internal lifecycle topics (spec
// §4.1), independent of the user-visible event bus in package eventbus.
type EventKind int

const (
	EventStarted EventKind = iota
	EventTerminated
	EventCrashed
	EventRestarted
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventTerminated:
		return "terminated"
	case EventCrashed:
		return "crashed"
	case EventRestarted:
		return "restarted"
	default:
		return "unknown"
	}
}

// Event is delivered to lifecycle subscribers.
type Event struct {
	Kind    EventKind
	Ref     Ref
	Reason  Reason
	Err     error
	Attempt int
}

// lifecycleBus fans out process lifecycle events synchronously, in
// subscription order, following the same discipline as package eventbus
// (in fact the two are implemented the same way on purpose: the
// runtime's own bus is a smaller, unexported instance of the same
// idea).
type lifecycleBus struct {
	mu   sync.Mutex
	subs []*lifecycleSub
	seq  uint64
}

type lifecycleSub struct {
	id      uint64
	handler func(Event)
}

func newLifecycleBus() *lifecycleBus {
	return &lifecycleBus{}
}

// Subscribe registers handler for every lifecycle event. The returned
// func unsubscribes; it is idempotent.
func (b *lifecycleBus) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	b.seq++
	sub := &lifecycleSub{id: b.seq, handler: handler}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// emit invokes every subscriber current at call time (snapshot
// semantics, spec §4.5 applied here too); a handler panic is recovered
// and otherwise ignored since this bus itself has no further fallback.
func (b *lifecycleBus) emit(evt Event) {
	b.mu.Lock()
	snapshot := make([]*lifecycleSub, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		func() {
			defer func() { recover() }()
			s.handler(evt)
		}()
	}
}
