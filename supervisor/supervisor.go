// Package supervisor implements the restart strategies of spec §4.3:
// one_for_one, one_for_all, rest_for_one, and simple_one_for_one, each
// with a restart-intensity window. A failure whose restart would exceed
// the window's limit is not restarted and ErrMaxRestartsExceeded is sent
// on Failed; the supervisor does not stop its other children and does
// not notify a parent supervisor.
//
// There is no supervisor in the teacher repo to adapt directly; this
// package is built in the teacher's manner — declared-order slices,
// explicit shutdown-with-acknowledgement channels modeled on
// gossip/pkg/gossiper.go's Serve/Shutdown pair — rather than copied
// from one file.
package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamicek/noex/actor"
)

// Strategy selects which siblings restart when one child fails.
type Strategy int

const (
	OneForOne Strategy = iota
	OneForAll
	RestForOne
	SimpleOneForOne
)

func (s Strategy) String() string {
	switch s {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	case SimpleOneForOne:
		return "simple_one_for_one"
	default:
		return "unknown"
	}
}

// RestartPolicy governs whether a child restarts after it stops.
type RestartPolicy int

const (
	Permanent RestartPolicy = iota
	Transient
	Temporary
)

// Kind distinguishes worker children from nested supervisors, per spec §3.
type Kind int

const (
	Worker Kind = iota
	SupervisorKind
)

// StartFunc starts one instance of a child and returns its behavior and
// init args, mirroring the teacher's "start thunk" pattern
// (gossip.NewGossiper followed by (*Gossiper).Serve).
type StartFunc func() (actor.Behavior, any)

// ChildSpec is the supervisor's declarative record of one child (spec §3).
type ChildSpec struct {
	ID              string
	Start           StartFunc
	Restart         RestartPolicy
	ShutdownTimeout time.Duration
	Kind            Kind
}

// ErrMaxRestartsExceeded is the supervision failure reported when the
// restart-intensity window is exceeded (spec §4.3, §7).
var ErrMaxRestartsExceeded = errors.New("supervisor: max restart intensity exceeded")

// Options configures a new Supervisor.
type Options struct {
	Strategy        Strategy
	Children        []ChildSpec
	MaxRestarts     int
	RestartWithinMs int64

	// Logger is the structured logger used for restart/shutdown
	// events, following the teacher's inject-a-*zap.Logger convention.
	Logger *zap.Logger

	// Table is the process table children are started on. Defaults to
	// actor.DefaultTable.
	Table *actor.Table

	// Name identifies this supervisor in the package-level registry the
	// observer walks to assemble its supervision tree (see DESIGN.md).
	// Defaults to a generated id.
	Name string

	// ParentName, when set, is the Name of the supervisor that declared
	// this one as a SupervisorKind child — the convention the observer
	// uses to nest it under that parent in the tree instead of treating
	// it as a root.
	ParentName string
}

type childRecord struct {
	spec    ChildSpec
	ref     actor.Ref
	started bool
}

// Supervisor manages the lifecycle of a set of children under one
// restart strategy.
//
// mu guards every mutable field below. onLifecycleEvent is registered on
// actor.Table's lifecycle bus, which invokes handlers from each
// terminating process's own goroutine (lifecycleBus.emit calls
// subscribers outside its own lock), so two children failing
// concurrently would otherwise race on children/restartLog/totalRestarts
// exactly like any other guarded map in the teacher's style
// (gossip/pkg/statemachine.go's StateMachine{mu, store}).
type Supervisor struct {
	strategy        Strategy
	maxRestarts     int
	restartWithinMs int64
	logger          *zap.Logger
	table           *actor.Table
	name            string
	parentName      string

	mu       sync.Mutex
	children []*childRecord
	template ChildSpec // simple_one_for_one only

	restartLog    []time.Time
	totalRestarts int

	// stopping holds refs currently being torn down intentionally by
	// this supervisor (Stop, or a sibling teardown inside
	// restartAll/restartFrom). Their terminated/crashed event is a
	// consequence of our own Stop call, not a failure to react to, and
	// must not be mistaken for one (see onLifecycleEvent).
	stopping map[actor.Ref]struct{}

	unsubscribe func()
	failed      chan error
}

// Start launches every declared child in order (spec §4.3). If any
// child's Start thunk fails, already-started children are torn down in
// reverse order and Start returns the first error.
func Start(opts Options) (*Supervisor, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Table == nil {
		opts.Table = actor.DefaultTable
	}
	if opts.Name == "" {
		opts.Name = "sup-" + xid.New().String()
	}

	s := &Supervisor{
		strategy:        opts.Strategy,
		maxRestarts:     opts.MaxRestarts,
		restartWithinMs: opts.RestartWithinMs,
		logger:          opts.Logger,
		table:           opts.Table,
		name:            opts.Name,
		parentName:      opts.ParentName,
		stopping:        map[actor.Ref]struct{}{},
		failed:          make(chan error, 1),
	}

	if opts.Strategy == SimpleOneForOne {
		if len(opts.Children) != 1 {
			return nil, fmt.Errorf("supervisor: simple_one_for_one requires exactly one child template")
		}
		s.template = opts.Children[0]
	} else {
		for _, spec := range opts.Children {
			rec := &childRecord{spec: spec}
			if err := s.startChildRecord(rec); err != nil {
				s.teardownReverse(s.children)
				return nil, fmt.Errorf("supervisor: starting child %q: %w", spec.ID, err)
			}
			s.children = append(s.children, rec)
		}
	}

	s.unsubscribe = s.table.Subscribe(s.onLifecycleEvent)
	register(s)
	emit(Event{Kind: EventStarted, Name: s.name})
	return s, nil
}

// startChildRecord invokes the child's start thunk and records its ref.
// The blocking call to the child's Start thunk and actor.Table.Start
// happens outside s.mu; only the resulting field writes are guarded.
func (s *Supervisor) startChildRecord(rec *childRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("child start panicked: %v", r)
		}
	}()
	behavior, args := rec.spec.Start()
	ref := s.table.Start(behavior, args)
	s.mu.Lock()
	rec.ref = ref
	rec.started = true
	s.mu.Unlock()
	return nil
}

// StartChild dynamically adds a child. Under simple_one_for_one, spec is
// ignored in favor of the template; under the other strategies it is
// appended to the declared-order list.
func (s *Supervisor) StartChild(spec ChildSpec) (actor.Ref, error) {
	s.mu.Lock()
	if s.strategy == SimpleOneForOne {
		spec = s.template
	}
	s.mu.Unlock()

	rec := &childRecord{spec: spec}
	if err := s.startChildRecord(rec); err != nil {
		return actor.Ref{}, err
	}
	s.mu.Lock()
	s.children = append(s.children, rec)
	s.mu.Unlock()
	return rec.ref, nil
}

// TerminateChild stops and removes the named child.
func (s *Supervisor) TerminateChild(id string) error {
	s.mu.Lock()
	var rec *childRecord
	for _, r := range s.children {
		if r.spec.ID == id {
			rec = r
			break
		}
	}
	if rec == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no such child %q", id)
	}
	s.stopping[rec.ref] = struct{}{}
	s.mu.Unlock()

	err := s.table.Stop(rec.ref, actor.Shutdown(), rec.spec.ShutdownTimeout)

	s.mu.Lock()
	for i, r := range s.children {
		if r == rec {
			s.children = append(s.children[:i], s.children[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return err
}

// ChildInfo describes one running child for WhichChildren.
type ChildInfo struct {
	ID   string
	Ref  actor.Ref
	Kind Kind
}

// WhichChildren lists children in declared/start order.
func (s *Supervisor) WhichChildren() []ChildInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChildInfo, len(s.children))
	for i, rec := range s.children {
		out[i] = ChildInfo{ID: rec.spec.ID, Ref: rec.ref, Kind: rec.spec.Kind}
	}
	return out
}

// Name returns this supervisor's registry name, assigned at Start
// (spec §4.10 "tree reflects the supervision hierarchy" needs a stable
// handle to walk by; observer.GetSnapshot uses this and ParentName).
func (s *Supervisor) Name() string { return s.name }

// ParentName is the name this supervisor was declared under via
// Options.ParentName, or "" for a top-level supervisor.
func (s *Supervisor) ParentName() string { return s.parentName }

// StrategyOf returns this supervisor's restart strategy.
func (s *Supervisor) StrategyOf() Strategy { return s.strategy }

// TotalRestarts returns the cumulative number of restarts performed,
// for the observer snapshot (spec §4.10).
func (s *Supervisor) TotalRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRestarts
}

// Failed returns a channel that receives ErrMaxRestartsExceeded when a
// restart would exceed the restart-intensity window. It holds one value;
// further failures are dropped while it is unread. A parent supervisor
// does not read it.
func (s *Supervisor) Failed() <-chan error { return s.failed }

// Stop terminates every child in reverse declared order (spec §4.3),
// aggregating any teardown errors with multierr instead of discarding
// all but the first.
func (s *Supervisor) Stop() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	children := append([]*childRecord(nil), s.children...)
	s.mu.Unlock()

	err := s.teardownReverse(children)
	unregister(s.name)
	emit(Event{Kind: EventStopped, Name: s.name})
	return err
}

// teardownReverse stops children in reverse order, marking each ref as
// intentionally-stopping first so onLifecycleEvent ignores the
// terminated event it causes instead of treating it as a failure to
// restart from (spec §4.3 restartAll/restartFrom teardown of siblings).
func (s *Supervisor) teardownReverse(children []*childRecord) error {
	var errs error
	for i := len(children) - 1; i >= 0; i-- {
		rec := children[i]
		s.mu.Lock()
		started := rec.started
		if started {
			s.stopping[rec.ref] = struct{}{}
		}
		s.mu.Unlock()
		if !started {
			continue
		}
		if err := s.table.Stop(rec.ref, actor.Shutdown(), rec.spec.ShutdownTimeout); err != nil {
			s.logger.Warn("child did not stop cleanly",
				zap.String("child", rec.spec.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// onLifecycleEvent is the supervisor's sole input: it watches the
// shared process table for crashes/terminations of its own children and
// applies the restart strategy.
func (s *Supervisor) onLifecycleEvent(evt actor.Event) {
	if evt.Kind != actor.EventTerminated && evt.Kind != actor.EventCrashed {
		return
	}

	s.mu.Lock()
	if _, ok := s.stopping[evt.Ref]; ok {
		// Our own Stop/restart teardown caused this, not a failure: the
		// ref was marked before we asked the child to stop (see
		// teardownReverse). Consume the marker and ignore.
		delete(s.stopping, evt.Ref)
		s.mu.Unlock()
		return
	}

	idx, rec := s.findChildByRefLocked(evt.Ref)
	if rec == nil {
		s.mu.Unlock()
		return
	}

	reason := evt.Reason
	if evt.Kind == actor.EventCrashed {
		// An unrecovered handler exception (and a terminate panic) emit
		// both EventCrashed and EventTerminated back-to-back for the
		// very same termination (actor §4.1's crashed/terminated
		// topics). Mark the ref so the EventTerminated that follows
		// isn't treated as a second, independent failure of the same
		// child.
		s.stopping[evt.Ref] = struct{}{}
		reason = actor.Error(evt.Err)
	}

	if !s.shouldRestart(rec.spec.Restart, reason) {
		if s.strategy != SimpleOneForOne {
			s.children = append(s.children[:idx], s.children[idx+1:]...)
		}
		s.mu.Unlock()
		return
	}

	attempt, ok := s.recordRestartLocked()
	s.mu.Unlock()

	if !ok {
		s.logger.Error("restart intensity exceeded, supervisor failing",
			zap.Int("maxRestarts", s.maxRestarts))
		select {
		case s.failed <- ErrMaxRestartsExceeded:
		default:
		}
		return
	}

	switch s.strategy {
	case OneForOne, SimpleOneForOne:
		s.restartOne(rec, attempt)
	case OneForAll:
		s.restartAll(attempt)
	case RestForOne:
		s.restartFrom(idx, attempt)
	}
}

func (s *Supervisor) shouldRestart(policy RestartPolicy, reason actor.Reason) bool {
	switch policy {
	case Permanent:
		return true
	case Transient:
		return reason.IsError()
	default: // Temporary
		return false
	}
}

// findChildByRefLocked requires s.mu to be held by the caller.
func (s *Supervisor) findChildByRefLocked(ref actor.Ref) (int, *childRecord) {
	for i, rec := range s.children {
		if rec.ref == ref {
			return i, rec
		}
	}
	return -1, nil
}

// recordRestartLocked requires s.mu to be held by the caller. It appends
// now to the sliding restart window, evicts entries older than
// restartWithinMs, and reports the cumulative attempt number plus
// whether the supervisor may still restart a child (false once
// maxRestarts is exceeded within the window).
func (s *Supervisor) recordRestartLocked() (attempt int, ok bool) {
	now := time.Now()
	cutoff := now.Add(-time.Duration(s.restartWithinMs) * time.Millisecond)
	kept := s.restartLog[:0]
	for _, t := range s.restartLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartLog = append(kept, now)
	s.totalRestarts++
	return s.totalRestarts, len(s.restartLog) <= s.maxRestarts
}

func (s *Supervisor) restartOne(rec *childRecord, attempt int) {
	s.mu.Lock()
	rec.started = false
	s.mu.Unlock()

	if err := s.startChildRecord(rec); err != nil {
		s.logger.Error("child restart failed", zap.String("child", rec.spec.ID), zap.Error(err))
		return
	}
	s.table.EmitRestarted(rec.ref, attempt)
}

// restartAll implements one_for_all: terminate every child in reverse
// order, then restart every child in declared order. Terminate
// completes entirely before any start begins (spec §4.3).
func (s *Supervisor) restartAll(attempt int) {
	s.mu.Lock()
	children := append([]*childRecord(nil), s.children...)
	s.mu.Unlock()

	s.teardownReverse(children)
	for _, rec := range children {
		s.mu.Lock()
		rec.started = false
		s.mu.Unlock()

		if err := s.startChildRecord(rec); err != nil {
			s.logger.Error("child restart failed", zap.String("child", rec.spec.ID), zap.Error(err))
			continue
		}
		s.table.EmitRestarted(rec.ref, attempt)
	}
}

// restartFrom implements rest_for_one: children after idx (inclusive)
// are torn down in reverse, then restarted in declared order.
func (s *Supervisor) restartFrom(idx int, attempt int) {
	s.mu.Lock()
	affected := append([]*childRecord(nil), s.children[idx:]...)
	s.mu.Unlock()

	s.teardownReverse(affected)
	for _, rec := range affected {
		s.mu.Lock()
		rec.started = false
		s.mu.Unlock()

		if err := s.startChildRecord(rec); err != nil {
			s.logger.Error("child restart failed", zap.String("child", rec.spec.ID), zap.Error(err))
			continue
		}
		s.table.EmitRestarted(rec.ref, attempt)
	}
}
