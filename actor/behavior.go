package actor

// Behavior is the callback record every process runs, per spec §4.1.
// Implementations are structurally typed: Go encodes that as an
// interface rather than a record of closures.
type Behavior interface {
	// Init builds the process's initial state from start arguments.
	Init(args any) (state any, err error)

	// HandleCall answers a synchronous request. from is non-nil and
	// may be captured for a deferred reply (spec §4.2).
	HandleCall(msg any, state any, from *From) (CallResult, error)

	// HandleCast handles an asynchronous one-way send.
	HandleCast(msg any, state any) (newState any, err error)
}

// Terminator is an optional extension of Behavior: terminate(reason,
// state) runs once, whether the process stopped normally or crashed.
type Terminator interface {
	Terminate(reason Reason, state any)
}

// CallResult is the generic server's three reply shapes (spec §4.2).
type CallResult struct {
	// Reply, unless Defer is true, is sent back to the caller
	// immediately, also when Stop is set.
	Reply any

	// State is the process's state after this call.
	State any

	// Defer suppresses the immediate reply; the handler (or someone it
	// hands the From to) must call Reply(from, value) later exactly
	// once.
	Defer bool

	// Stop, when non-nil, stops the process after an optional Reply is
	// sent.
	Stop *Reason
}

// From identifies an in-flight call for the deferred-reply pattern
// (spec §3 "deferred reply handle"). It may be stored and used from any
// goroutine, but each From may be replied to at most once.
type From struct {
	ref    Ref
	corrID uint64
	proc   *process
}

// Ref returns the caller's ref, useful for logging.
func (f *From) Ref() Ref { return f.ref }
