package remote

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/cluster"
	"github.com/hamicek/noex/registry"
)

// echoBehavior answers "ping" with "pong" and counts casts it receives,
// mirroring the spec §8 scenario-style smoke behaviors used elsewhere
// in this repo's test suites.
type echoBehavior struct{}

func (echoBehavior) Init(args any) (any, error) { return 0, nil }

func (echoBehavior) HandleCall(msg any, state any, from *actor.From) (actor.CallResult, error) {
	switch msg {
	case "ping":
		return actor.CallResult{Reply: "pong", State: state}, nil
	default:
		return actor.CallResult{}, errors.New("echo: unknown call")
	}
}

func (echoBehavior) HandleCast(msg any, state any) (any, error) {
	return state.(int) + 1, nil
}

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

func TestLocalSpawnAndCallBypassesCluster(t *testing.T) {
	table := actor.NewTable("a@127.0.0.1:19901", nil)
	behaviors := NewRegistry()
	behaviors.Register("echo", func() actor.Behavior { return echoBehavior{} })

	cl, err := cluster.Start(cluster.Config{
		NodeName:     "a",
		Host:         "127.0.0.1",
		Port:         19901,
		SharedSecret: []byte("s"),
	})
	if err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	defer cl.Stop()

	router := NewRouter(table, cl, behaviors, registry.Create(registry.Unique, table))

	ref, err := router.Spawn("", "echo", nil, "none", "", time.Second)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	reply, err := router.Call(ref, "ping", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("reply = %v, want pong", reply)
	}
}

func TestUnknownBehaviorRejectsSpawn(t *testing.T) {
	table := actor.NewTable("b@127.0.0.1:19902", nil)
	behaviors := NewRegistry()

	cl, err := cluster.Start(cluster.Config{
		NodeName:     "b",
		Host:         "127.0.0.1",
		Port:         19902,
		SharedSecret: []byte("s"),
	})
	if err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	defer cl.Stop()

	router := NewRouter(table, cl, behaviors, registry.Create(registry.Unique, table))

	_, err = router.Spawn("", "does-not-exist", nil, "none", "", time.Second)
	if !errors.Is(err, ErrUnknownBehavior) {
		t.Fatalf("err = %v, want ErrUnknownBehavior", err)
	}
}

func TestRemoteSpawnAndCallRouteThroughCluster(t *testing.T) {
	secret := []byte("remote-test-secret")

	tableA := actor.NewTable("a@127.0.0.1:19911", nil)
	behaviorsA := NewRegistry()
	behaviorsA.Register("echo", func() actor.Behavior { return echoBehavior{} })

	clA, err := cluster.Start(cluster.Config{
		NodeName:     "a",
		Host:         "127.0.0.1",
		Port:         19911,
		SharedSecret: secret,
	})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer clA.Stop()
	routerA := NewRouter(tableA, clA, behaviorsA, registry.Create(registry.Unique, tableA))
	_ = routerA

	tableB := actor.NewTable("b@127.0.0.1:19912", nil)
	behaviorsB := NewRegistry()
	behaviorsB.Register("echo", func() actor.Behavior { return echoBehavior{} })

	clB, err := cluster.Start(cluster.Config{
		NodeName:     "b",
		Host:         "127.0.0.1",
		Port:         19912,
		Seeds:        []string{"127.0.0.1:19911"},
		SharedSecret: secret,
	})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer clB.Stop()
	routerB := NewRouter(tableB, clB, behaviorsB, registry.Create(registry.Unique, tableB))

	var mu sync.Mutex
	up := false
	clA.OnNodeUp(func(cluster.NodeID) {
		mu.Lock()
		up = true
		mu.Unlock()
	})
	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return up
	})

	ref, err := routerB.Spawn(clA.SelfID(), "echo", nil, "none", "", 2*time.Second)
	if err != nil {
		t.Fatalf("remote spawn: %v", err)
	}
	if string(ref.NodeID) != string(clA.SelfID()) {
		t.Fatalf("ref.NodeID = %s, want %s", ref.NodeID, clA.SelfID())
	}

	reply, err := routerB.Call(ref, "ping", 2*time.Second)
	if err != nil {
		t.Fatalf("remote call: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("reply = %v, want pong", reply)
	}
}
