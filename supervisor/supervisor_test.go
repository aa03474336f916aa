package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/hamicek/noex/actor"
)

// countBehavior is a minimal child: init to {n:0}, "get" returns n,
// "crash" panics.
type countBehavior struct{}

func (countBehavior) Init(any) (any, error) { return 0, nil }

func (countBehavior) HandleCall(msg any, state any, from *actor.From) (actor.CallResult, error) {
	return actor.CallResult{Reply: state, State: state}, nil
}

func (countBehavior) HandleCast(msg any, state any) (any, error) {
	if msg == "crash" {
		panic("boom")
	}
	return state, nil
}

func TestOneForOneRestart(t *testing.T) {
	tbl := actor.NewTable("local", nil)

	sup, err := Start(Options{
		Strategy:        OneForOne,
		MaxRestarts:     3,
		RestartWithinMs: 5000,
		Table:           tbl,
		Children: []ChildSpec{
			{ID: "C", Start: func() (actor.Behavior, any) { return countBehavior{}, nil }, Restart: Permanent, ShutdownTimeout: time.Second},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	before := sup.WhichChildren()[0].Ref
	tbl.Cast(before, "crash")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sup.TotalRestarts() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sup.TotalRestarts() != 1 {
		t.Fatalf("TotalRestarts = %d, want 1", sup.TotalRestarts())
	}

	after := sup.WhichChildren()[0].Ref
	if after == before {
		t.Fatal("child ref did not change after restart")
	}
	v, err := tbl.Call(after, "get", time.Second)
	if err != nil || v.(int) != 0 {
		t.Fatalf("get after restart = %v, %v, want 0, nil", v, err)
	}
}

// orderRecorder lets tests observe each child's start/stop order via
// its own behavior instance, per Scenario C.
type orderRecorder struct {
	mu    *sync.Mutex
	order *[]string
}

func (r orderRecorder) record(tag string) {
	r.mu.Lock()
	*r.order = append(*r.order, tag)
	r.mu.Unlock()
}

type orderedBehavior struct {
	name string
	rec  orderRecorder
}

func (b orderedBehavior) Init(any) (any, error) {
	b.rec.record("start:" + b.name)
	return 0, nil
}

func (b orderedBehavior) HandleCall(msg any, state any, from *actor.From) (actor.CallResult, error) {
	return actor.CallResult{Reply: state, State: state}, nil
}

func (b orderedBehavior) HandleCast(msg any, state any) (any, error) {
	if msg == "crash" {
		panic("boom")
	}
	return state, nil
}

func (b orderedBehavior) Terminate(reason actor.Reason, state any) {
	b.rec.record("stop:" + b.name)
}

func TestOneForAllOrdering(t *testing.T) {
	tbl := actor.NewTable("local", nil)

	var mu sync.Mutex
	var order []string
	rec := orderRecorder{mu: &mu, order: &order}

	names := []string{"A", "B", "C"}
	var children []ChildSpec
	for _, n := range names {
		n := n
		children = append(children, ChildSpec{
			ID:              n,
			Start:           func() (actor.Behavior, any) { return orderedBehavior{name: n, rec: rec}, nil },
			Restart:         Permanent,
			ShutdownTimeout: time.Second,
		})
	}

	sup, err := Start(Options{
		Strategy:        OneForAll,
		MaxRestarts:     3,
		RestartWithinMs: 5000,
		Table:           tbl,
		Children:        children,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	mu.Lock()
	order = nil
	mu.Unlock()

	var bRef actor.Ref
	for _, c := range sup.WhichChildren() {
		if c.ID == "B" {
			bRef = c.Ref
		}
	}
	tbl.Cast(bRef, "crash")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 6 {
		t.Fatalf("order = %v, expected 3 stops + 3 starts", order)
	}
	stops := order[:3]
	starts := order[3:6]
	wantStops := []string{"stop:C", "stop:B", "stop:A"}
	wantStarts := []string{"start:A", "start:B", "start:C"}
	for i := range wantStops {
		if stops[i] != wantStops[i] {
			t.Fatalf("stop order = %v, want %v", stops, wantStops)
		}
	}
	for i := range wantStarts {
		if starts[i] != wantStarts[i] {
			t.Fatalf("start order = %v, want %v", starts, wantStarts)
		}
	}
}

func TestMaxRestartsZeroFailsOnFirstFailure(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	sup, err := Start(Options{
		Strategy:        OneForOne,
		MaxRestarts:     0,
		RestartWithinMs: 5000,
		Table:           tbl,
		Children: []ChildSpec{
			{ID: "C", Start: func() (actor.Behavior, any) { return countBehavior{}, nil }, Restart: Permanent, ShutdownTimeout: time.Second},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	ref := sup.WhichChildren()[0].Ref
	tbl.Cast(ref, "crash")

	select {
	case err := <-sup.Failed():
		if err != ErrMaxRestartsExceeded {
			t.Fatalf("err = %v, want ErrMaxRestartsExceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("supervisor never reported max-restarts failure")
	}
}

func TestTemporaryChildNeverRestarts(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	sup, err := Start(Options{
		Strategy:        OneForOne,
		MaxRestarts:     3,
		RestartWithinMs: 5000,
		Table:           tbl,
		Children: []ChildSpec{
			{ID: "C", Start: func() (actor.Behavior, any) { return countBehavior{}, nil }, Restart: Temporary, ShutdownTimeout: time.Second},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	ref := sup.WhichChildren()[0].Ref
	tbl.Cast(ref, "crash")
	time.Sleep(100 * time.Millisecond)

	if sup.TotalRestarts() != 0 {
		t.Fatalf("TotalRestarts = %d, want 0 for a temporary child", sup.TotalRestarts())
	}
	if len(sup.WhichChildren()) != 0 {
		t.Fatalf("temporary child should be removed after crashing, got %v", sup.WhichChildren())
	}
}
