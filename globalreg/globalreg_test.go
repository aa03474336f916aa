package globalreg

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/cluster"
	"github.com/hamicek/noex/eventbus"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func startPair(t *testing.T, portA, portB int) (*cluster.Cluster, *cluster.Cluster) {
	t.Helper()
	secret := []byte("globalreg-test-secret")

	a, err := cluster.Start(cluster.Config{
		NodeName: "a", Host: "127.0.0.1", Port: portA, SharedSecret: secret,
	})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	b, err := cluster.Start(cluster.Config{
		NodeName: "b", Host: "127.0.0.1", Port: portB,
		Seeds: []string{"127.0.0.1:" + itoa(portA)}, SharedSecret: secret,
	})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	return a, b
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestSyncOnJoinReplicatesExistingEntries(t *testing.T) {
	a, b := startPair(t, 19951, 19952)
	defer a.Stop()
	defer b.Stop()

	busA := eventbus.Create()
	busB := eventbus.Create()
	tblA := New(a, busA)
	tblB := New(b, busB)

	ref := actor.Ref{ID: "proc-1", NodeID: string(a.SelfID())}
	tblA.Register("worker", ref, 0)

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := tblB.Lookup("worker")
		return ok
	})

	got, ok := tblB.Lookup("worker")
	if !ok || got != ref {
		t.Fatalf("Lookup(worker) on b = %v, %v; want %v, true", got, ok, ref)
	}
}

func TestConflictingRegisterResolvesByPriorityThenTimestamp(t *testing.T) {
	a, b := startPair(t, 19961, 19962)
	defer a.Stop()
	defer b.Stop()

	bus := eventbus.Create()
	tblA := New(a, bus)
	tblB := New(b, bus)

	waitForCondition(t, 2*time.Second, func() bool {
		return len(a.Nodes()) > 0 && len(b.Nodes()) > 0
	})

	var mu sync.Mutex
	var conflicts []ConflictResolved
	bus.Subscribe("conflict_resolved", func(_ string, payload any) {
		mu.Lock()
		conflicts = append(conflicts, payload.(ConflictResolved))
		mu.Unlock()
	})

	lowRef := actor.Ref{ID: "low", NodeID: string(a.SelfID())}
	highRef := actor.Ref{ID: "high", NodeID: string(b.SelfID())}

	tblA.Register("leader", lowRef, 1)
	tblB.Register("leader", highRef, 5)

	waitForCondition(t, 2*time.Second, func() bool {
		got, ok := tblA.Lookup("leader")
		return ok && got == highRef
	})

	gotB, ok := tblB.Lookup("leader")
	if !ok || gotB != highRef {
		t.Fatalf("Lookup(leader) on b = %v, %v; want %v, true", gotB, ok, highRef)
	}
}

func TestNodeDownCleansUpOwnedEntries(t *testing.T) {
	a, b := startPair(t, 19971, 19972)
	defer a.Stop()

	bus := eventbus.Create()
	tblA := New(a, bus)
	tblB := New(b, bus)

	ref := actor.Ref{ID: "proc-2", NodeID: string(b.SelfID())}
	tblB.Register("ephemeral", ref, 0)

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := tblA.Lookup("ephemeral")
		return ok
	})

	var mu sync.Mutex
	var unregistered []Unregistered
	bus.Subscribe("unregistered", func(_ string, payload any) {
		mu.Lock()
		unregistered = append(unregistered, payload.(Unregistered))
		mu.Unlock()
	})

	b.Stop()

	waitForCondition(t, 3*time.Second, func() bool {
		_, ok := tblA.Lookup("ephemeral")
		return !ok
	})

	mu.Lock()
	defer mu.Unlock()
	if len(unregistered) != 1 || unregistered[0].Name != "ephemeral" {
		t.Fatalf("unregistered events = %v, want one for 'ephemeral'", unregistered)
	}
}
