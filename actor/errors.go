package actor

import (
	"errors"
	"fmt"
)

// Sentinel errors, classified by kind per spec §7. Use errors.Is to
// test for a kind; each is wrapped with the offending identity before
// it reaches a caller.
var (
	ErrNoSuchProcess  = errors.New("actor: no such process")
	ErrCallTimeout    = errors.New("actor: call timed out")
	ErrProcessStopped = errors.New("actor: process already stopped")
	ErrNoReply        = errors.New("actor: handler returned without reply or defer")
)

// CallError wraps ErrCallTimeout/ErrNoSuchProcess/ErrNoReply with the
// ref that failed, per spec §7's "kind + message + offending identity".
type CallError struct {
	Ref Ref
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("actor: call to %s: %v", e.Ref, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func newCallError(ref Ref, err error) error {
	return &CallError{Ref: ref, Err: err}
}
