package wire

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hamicek/noex/internal/ttlmap"
	"github.com/rs/xid"
)

// ErrRemoteCallTimeout classifies a remote call/spawn request that was
// never answered within its deadline (spec §4.8, §7).
var ErrRemoteCallTimeout = errors.New("wire: remote call timed out")

// ErrRemoteCallAborted is delivered to every still-pending call on a
// connection that closes before its replies arrive.
var ErrRemoteCallAborted = errors.New("wire: connection closed with call in flight")

// PendingCall is a single in-flight call_request/spawn_request awaiting
// a reply, keyed by correlation id.
type PendingCall struct {
	ch chan pendingResult
}

type pendingResult struct {
	envelope Envelope
	err      error
}

// CorrelationTable is the initiator-side in-flight request table (spec
// §4.8): it is adapted from internal/ttlmap to give every call_request
// its own timeout deadline instead of one transport-wide TTL.
type CorrelationTable struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
	deadlines *ttlmap.Map
}

// NewCorrelationTable builds an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		pending:   map[string]*PendingCall{},
		deadlines: ttlmap.New(),
	}
}

// NewCorrID mints a fresh, sortable correlation id (rs/xid, as the
// teacher's own ref-id generator does).
func NewCorrID() string { return xid.New().String() }

// Register starts tracking corrID with deadline timeout; if the
// deadline elapses before Resolve is called, the returned call's Wait
// reports ErrRemoteCallTimeout automatically.
func (t *CorrelationTable) Register(corrID string, timeout time.Duration) *PendingCall {
	pc := &PendingCall{ch: make(chan pendingResult, 1)}

	t.mu.Lock()
	t.pending[corrID] = pc
	t.mu.Unlock()

	t.deadlines.Put(corrID, nil, time.Now().Add(timeout), func(key string, _ any) {
		t.mu.Lock()
		cur, ok := t.pending[key]
		if ok {
			delete(t.pending, key)
		}
		t.mu.Unlock()
		if ok {
			cur.deliver(pendingResult{err: ErrRemoteCallTimeout})
		}
	})
	return pc
}

// Resolve delivers env as corrID's reply, if still pending.
func (t *CorrelationTable) Resolve(corrID string, env Envelope) {
	t.mu.Lock()
	pc, ok := t.pending[corrID]
	if ok {
		delete(t.pending, corrID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.deadlines.Delete(corrID)
	pc.deliver(pendingResult{envelope: env})
}

// AbortAll fails every still-pending call with ErrRemoteCallAborted,
// used when the underlying connection closes.
func (t *CorrelationTable) AbortAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = map[string]*PendingCall{}
	t.mu.Unlock()
	for _, pc := range pending {
		pc.deliver(pendingResult{err: ErrRemoteCallAborted})
	}
}

// Close releases the table's reaper goroutine.
func (t *CorrelationTable) Close() { t.deadlines.Close() }

func (pc *PendingCall) deliver(r pendingResult) {
	select {
	case pc.ch <- r:
	default:
	}
}

// Wait blocks until Resolve, AbortAll, or the registered deadline
// delivers this call's outcome.
func (pc *PendingCall) Wait() (Envelope, error) {
	r := <-pc.ch
	if r.err != nil {
		return Envelope{}, fmt.Errorf("wire: %w", r.err)
	}
	return r.envelope, nil
}
