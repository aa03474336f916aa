package cluster

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestTwoNodesSeedAndReportUp(t *testing.T) {
	secret := []byte("shared-test-secret")

	a, err := Start(Config{
		NodeName:     "a",
		Host:         "127.0.0.1",
		Port:         19801,
		SharedSecret: secret,
	})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()

	var mu sync.Mutex
	upSeen := map[NodeID]bool{}

	a.OnNodeUp(func(id NodeID) {
		mu.Lock()
		upSeen[id] = true
		mu.Unlock()
	})

	b, err := Start(Config{
		NodeName:     "b",
		Host:         "127.0.0.1",
		Port:         19802,
		Seeds:        []string{"127.0.0.1:19801"},
		SharedSecret: secret,
	})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return upSeen[b.SelfID()]
	})
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	a, err := Start(Config{
		NodeName:     "a",
		Host:         "127.0.0.1",
		Port:         19811,
		SharedSecret: []byte("correct-secret"),
	})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()

	var mu sync.Mutex
	upCount := 0
	a.OnNodeUp(func(NodeID) {
		mu.Lock()
		upCount++
		mu.Unlock()
	})

	b, err := Start(Config{
		NodeName:     "b",
		Host:         "127.0.0.1",
		Port:         19812,
		Seeds:        []string{"127.0.0.1:19811"},
		SharedSecret: []byte("wrong-secret"),
	})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if upCount != 0 {
		t.Fatalf("expected handshake to be rejected, got %d node_up events", upCount)
	}
}

func TestNodeDownFiresWhenPeerConnectionDrops(t *testing.T) {
	secret := []byte("shared-test-secret-2")

	a, err := Start(Config{
		NodeName:               "a",
		Host:                   "127.0.0.1",
		Port:                   19821,
		SharedSecret:           secret,
		HeartbeatIntervalMs:    50,
		HeartbeatMissThreshold: 2,
	})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()

	var mu sync.Mutex
	var downReason error
	downSeen := false
	a.OnNodeDown(func(id NodeID, err error) {
		mu.Lock()
		downSeen = true
		downReason = err
		mu.Unlock()
	})

	b, err := Start(Config{
		NodeName:               "b",
		Host:                   "127.0.0.1",
		Port:                   19822,
		Seeds:                  []string{"127.0.0.1:19821"},
		SharedSecret:           secret,
		HeartbeatIntervalMs:    50,
		HeartbeatMissThreshold: 2,
	})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(a.Nodes()) > 0
	})

	// Kill b's listener and connections without a graceful bye, to
	// simulate a dead peer rather than an orderly shutdown.
	b.cancel()
	b.listener.Close()
	b.mu.Lock()
	for _, pc := range b.conns {
		pc.conn.Close()
	}
	b.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return downSeen
	})

	mu.Lock()
	defer mu.Unlock()
	if downReason == nil {
		t.Fatalf("expected a non-nil down reason")
	}
}
