package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/hamicek/noex/actor"
)

type noopBehavior struct{}

func (noopBehavior) Init(any) (any, error) { return nil, nil }
func (noopBehavior) HandleCall(msg any, state any, from *actor.From) (actor.CallResult, error) {
	return actor.CallResult{State: state}, nil
}
func (noopBehavior) HandleCast(msg any, state any) (any, error) { return state, nil }

func TestUniqueRegisterAlreadyRegistered(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	r := Create(Unique, tbl)
	defer r.Close()

	ref1 := tbl.Start(noopBehavior{}, nil)
	ref2 := tbl.Start(noopBehavior{}, nil)

	if err := r.Register("svc", ref1, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("svc", ref2, nil); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegisterUnregisterRegisterIsIdempotent(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	r := Create(Unique, tbl)
	defer r.Close()

	ref := tbl.Start(noopBehavior{}, nil)
	r.Register("svc", ref, nil)
	r.Unregister("svc")
	if err := r.Register("svc", ref, nil); err != nil {
		t.Fatalf("re-register after unregister: %v", err)
	}
	got, err := r.Lookup("svc")
	if err != nil || got != ref {
		t.Fatalf("Lookup = %v, %v", got, err)
	}
}

func TestWhereisAbsent(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	r := Create(Unique, tbl)
	defer r.Close()

	if _, ok := r.Whereis("nope"); ok {
		t.Fatal("Whereis found an unregistered name")
	}
}

func TestCleanupOnTerminate(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	r := Create(Unique, tbl)
	defer r.Close()

	ref := tbl.Start(noopBehavior{}, nil)
	r.Register("svc", ref, nil)

	done := make(chan struct{})
	unsub := tbl.Subscribe(func(e actor.Event) {
		if e.Kind == actor.EventTerminated && e.Ref == ref {
			close(done)
		}
	})
	defer unsub()

	tbl.Stop(ref, actor.Normal(), time.Second)
	<-done

	if _, ok := r.Whereis("svc"); ok {
		t.Fatal("entry survived process termination")
	}
}

func TestDuplicateDispatch(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	r := Create(Duplicate, tbl)
	defer r.Close()

	ref1 := tbl.Start(noopBehavior{}, nil)
	ref2 := tbl.Start(noopBehavior{}, nil)
	r.Register("workers", ref1, nil)
	r.Register("workers", ref2, nil)

	all := r.LookupAll("workers")
	if len(all) != 2 {
		t.Fatalf("LookupAll = %d entries, want 2", len(all))
	}
}

func TestMatchPattern(t *testing.T) {
	tbl := actor.NewTable("local", nil)
	r := Create(Duplicate, tbl)
	defer r.Close()

	ref := tbl.Start(noopBehavior{}, nil)
	r.Register("user:42:session", ref, nil)
	r.Register("user:43:session", ref, nil)
	r.Register("order:42:session", ref, nil)

	matches := r.Match("user:*:session", nil)
	if len(matches) != 2 {
		t.Fatalf("Match = %d, want 2", len(matches))
	}
}
