package actor

import (
	"errors"
	"testing"
	"time"
)

// counterBehavior implements scenario A from spec §8: get/inc on an
// int-backed state.
type counterBehavior struct{}

func (counterBehavior) Init(args any) (any, error) {
	return 0, nil
}

func (counterBehavior) HandleCall(msg any, state any, from *From) (CallResult, error) {
	switch msg {
	case "get":
		return CallResult{Reply: state, State: state}, nil
	default:
		return CallResult{}, errors.New("unknown call")
	}
}

func (counterBehavior) HandleCast(msg any, state any) (any, error) {
	n := state.(int)
	switch msg {
	case "inc":
		return n + 1, nil
	default:
		return n, nil
	}
}

func TestCounterScenarioA(t *testing.T) {
	tbl := NewTable("local", nil)
	ref := tbl.Start(counterBehavior{}, nil)

	v, err := tbl.Call(ref, "get", time.Second)
	if err != nil || v.(int) != 0 {
		t.Fatalf("get = %v, %v, want 0, nil", v, err)
	}

	tbl.Cast(ref, "inc")
	tbl.Cast(ref, "inc")

	v, err = tbl.Call(ref, "get", time.Second)
	if err != nil || v.(int) != 2 {
		t.Fatalf("get = %v, %v, want 2, nil", v, err)
	}
}

func TestCallOrderingWithinOneSender(t *testing.T) {
	tbl := NewTable("local", nil)
	ref := tbl.Start(counterBehavior{}, nil)

	for i := 0; i < 50; i++ {
		tbl.Cast(ref, "inc")
	}
	v, err := tbl.Call(ref, "get", time.Second)
	if err != nil || v.(int) != 50 {
		t.Fatalf("get = %v, %v, want 50, nil", v, err)
	}
}

func TestCallZeroTimeoutFailsImmediately(t *testing.T) {
	tbl := NewTable("local", nil)
	ref := tbl.Start(counterBehavior{}, nil)

	_, err := tbl.Call(ref, "get", 0)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
}

func TestCallTimeoutClassifiedError(t *testing.T) {
	tbl := NewTable("local", nil)
	blocking := make(chan struct{})
	ref := tbl.Start(blockingBehavior{unblock: blocking}, nil)
	defer close(blocking)

	_, err := tbl.Call(ref, "slow", 20*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err type = %T, want *CallError", err)
	}
}

// blockingBehavior's handler never returns until unblock is closed, to
// exercise the "timeout does not cancel the handler" rule.
type blockingBehavior struct{ unblock chan struct{} }

func (b blockingBehavior) Init(any) (any, error) { return nil, nil }

func (b blockingBehavior) HandleCall(msg any, state any, from *From) (CallResult, error) {
	<-b.unblock
	return CallResult{Reply: "done", State: state}, nil
}

func (b blockingBehavior) HandleCast(msg any, state any) (any, error) { return state, nil }

// deferBehavior defers every call and replies later from a background
// goroutine, exercising the deferred-reply handle.
type deferBehavior struct{ replies chan *From }

func (d deferBehavior) Init(any) (any, error) { return nil, nil }

func (d deferBehavior) HandleCall(msg any, state any, from *From) (CallResult, error) {
	d.replies <- from
	return CallResult{State: state, Defer: true}, nil
}

func (d deferBehavior) HandleCast(msg any, state any) (any, error) { return state, nil }

func TestDeferredReply(t *testing.T) {
	tbl := NewTable("local", nil)
	captured := make(chan *From, 1)
	ref := tbl.Start(deferBehavior{replies: captured}, nil)

	go func() {
		from := <-captured
		tbl.Reply(from, "answer")
	}()

	v, err := tbl.Call(ref, "ping", time.Second)
	if err != nil || v != "answer" {
		t.Fatalf("Call = %v, %v, want \"answer\", nil", v, err)
	}
}

// crashBehavior panics on a specific cast to exercise the crash/
// terminate path.
type crashBehavior struct{ terminated chan Reason }

func (c crashBehavior) Init(any) (any, error) { return 0, nil }

func (c crashBehavior) HandleCall(msg any, state any, from *From) (CallResult, error) {
	return CallResult{Reply: state, State: state}, nil
}

func (c crashBehavior) HandleCast(msg any, state any) (any, error) {
	if msg == "crash" {
		panic("boom")
	}
	return state, nil
}

func (c crashBehavior) Terminate(reason Reason, state any) {
	c.terminated <- reason
}

func TestHandlerPanicStopsWithErrorReason(t *testing.T) {
	tbl := NewTable("local", nil)
	terminated := make(chan Reason, 1)
	ref := tbl.Start(crashBehavior{terminated: terminated}, nil)

	tbl.Cast(ref, "crash")

	select {
	case reason := <-terminated:
		if !reason.IsError() {
			t.Fatalf("reason = %v, want error", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("terminate never ran after handler panic")
	}

	if _, ok := tbl.Inspect(ref); ok {
		t.Fatal("process should be removed from the table after stopping")
	}
}

func TestStopRunsTerminateAndEmitsLifecycle(t *testing.T) {
	tbl := NewTable("local", nil)
	terminated := make(chan Reason, 1)
	ref := tbl.Start(crashBehavior{terminated: terminated}, nil)

	var gotEvent Event
	done := make(chan struct{})
	unsub := tbl.Subscribe(func(e Event) {
		if e.Kind == EventTerminated && e.Ref == ref {
			gotEvent = e
			close(done)
		}
	})
	defer unsub()

	if err := tbl.Stop(ref, Normal(), time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("terminate never ran")
	}
	<-done
	if gotEvent.Reason.Kind != ReasonNormal {
		t.Fatalf("lifecycle reason = %v, want normal", gotEvent.Reason)
	}
}
