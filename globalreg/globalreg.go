// Package globalreg implements the cluster-wide name table of spec
// §4.9: every node keeps a local view, replicated by broadcasting
// registry_event on every write and exchanging a full registry_sync
// whenever a peer comes up. Conflicting writes for the same name are
// resolved by the tuple (priority desc, timestamp asc, nodeId lex asc).
//
// The conflict comparator is the direct generalization of
// gossip/pkg/statemachine.go:Update's "compare a tuple, the loser
// yields its state to the winner" shape: that function compares
// Generation then Version to decide which EndpointState survives; this
// package compares Priority then Timestamp then NodeID for the same
// reason, against entries instead of heartbeats.
package globalreg

import (
	"fmt"
	"sync"
	"time"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/cluster"
	"github.com/hamicek/noex/eventbus"
	"github.com/hamicek/noex/wire"
)

// Entry is one name -> ref mapping in the cluster-wide table (spec §3).
type Entry struct {
	Name      string
	Ref       actor.Ref
	NodeID    string
	Timestamp int64
	Priority  int
}

func fromWire(e wire.GlobalRegistryEntry) Entry {
	return Entry{Name: e.Name, Ref: e.Ref, NodeID: e.NodeID, Timestamp: e.Timestamp, Priority: e.Priority}
}

func (e Entry) toWire() wire.GlobalRegistryEntry {
	return wire.GlobalRegistryEntry{Name: e.Name, Ref: e.Ref, NodeID: e.NodeID, Timestamp: e.Timestamp, Priority: e.Priority}
}

// ConflictResolved is published on Bus when two writers race for the
// same name (spec §4.9 "conflict_resolved event ... on every node
// involved").
type ConflictResolved struct {
	Name   string
	Winner Entry
	Loser  Entry
}

// Unregistered is published on Bus when an entry is dropped because its
// owning node went down (spec §4.9 "Cleanup on node down").
type Unregistered struct {
	Name string
	Ref  actor.Ref
}

// Table is one node's view of the global registry.
type Table struct {
	cl   *cluster.Cluster
	self string
	bus  *eventbus.Bus

	mu      sync.RWMutex
	entries map[string]Entry
}

// New builds a Table bound to cl, publishing conflict/cleanup events on
// bus (eventbus.Default if nil). It registers for node up/down so sync
// and cleanup happen automatically; the caller must still route
// registry_event/registry_sync envelopes to HandleEnvelope, typically
// via remote.Router.Fallback.
func New(cl *cluster.Cluster, bus *eventbus.Bus) *Table {
	if bus == nil {
		bus = eventbus.Default
	}
	t := &Table{
		cl:      cl,
		self:    string(cl.SelfID()),
		bus:     bus,
		entries: map[string]Entry{},
	}
	cl.OnNodeUp(t.onNodeUp)
	cl.OnNodeDown(t.onNodeDown)
	return t
}

// Register adds or updates name in the cluster-wide table and
// broadcasts the write to every connected peer (spec §4.9 "register").
// It matches remote.Router's GlobalRegister hook signature.
func (t *Table) Register(name string, ref actor.Ref, priority int) error {
	entry := Entry{
		Name:      name,
		Ref:       ref,
		NodeID:    t.self,
		Timestamp: time.Now().UnixNano(),
		Priority:  priority,
	}
	t.apply(entry)
	t.broadcast(wire.RegistryEvent{Op: "register", Entry: entry.toWire()})
	return nil
}

// Unregister removes name from the local view and broadcasts the
// removal, provided the caller is the entry's owning node.
func (t *Table) Unregister(name string) {
	t.mu.Lock()
	existing, ok := t.entries[name]
	if ok && existing.NodeID == t.self {
		delete(t.entries, name)
	}
	t.mu.Unlock()
	if ok && existing.NodeID == t.self {
		t.broadcast(wire.RegistryEvent{Op: "unregister", Entry: existing.toWire()})
	}
}

// Lookup returns name's ref from the local view (spec §4.9 "purely
// local reads ... accuracy is eventual").
func (t *Table) Lookup(name string) (actor.Ref, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	if !ok {
		return actor.Ref{}, false
	}
	return e.Ref, true
}

// Whereis is an alias for Lookup matching spec §4.9's naming.
func (t *Table) Whereis(name string) (actor.Ref, bool) { return t.Lookup(name) }

// Snapshot returns every entry currently in the local view.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

func (t *Table) broadcast(evt wire.RegistryEvent) {
	env := wire.Envelope{Kind: wire.KindRegistryEvent, Body: evt}
	for _, n := range t.cl.Nodes() {
		if n.Status == cluster.Up {
			t.cl.Send(n.ID, env)
		}
	}
}

// HandleEnvelope processes registry_event and registry_sync frames
// arriving from peer. Wire this as remote.Router.Fallback (or directly
// as cluster.Cluster.SetEnvelopeHandler if remote is not in use).
func (t *Table) HandleEnvelope(peer cluster.NodeID, env wire.Envelope) {
	switch env.Kind {
	case wire.KindRegistryEvent:
		evt := env.Body.(wire.RegistryEvent)
		entry := fromWire(evt.Entry)
		switch evt.Op {
		case "register":
			t.apply(entry)
		case "unregister":
			t.mu.Lock()
			existing, ok := t.entries[entry.Name]
			if ok && existing.NodeID == entry.NodeID {
				delete(t.entries, entry.Name)
			}
			t.mu.Unlock()
		}

	case wire.KindRegistrySync:
		sync := env.Body.(wire.RegistrySync)
		for _, e := range sync.Entries {
			t.apply(fromWire(e))
		}
	}
}

// apply merges incoming into the local table, resolving a conflict
// against any existing entry for the same name per the
// (priority desc, timestamp asc, nodeId lex asc) tuple (spec §3, §4.9).
func (t *Table) apply(incoming Entry) {
	t.mu.Lock()
	existing, hasExisting := t.entries[incoming.Name]
	if !hasExisting || existing.NodeID == incoming.NodeID {
		t.entries[incoming.Name] = incoming
		t.mu.Unlock()
		return
	}

	winner, loser := existing, incoming
	if wins(incoming, existing) {
		winner, loser = incoming, existing
		t.entries[incoming.Name] = incoming
	}
	t.mu.Unlock()

	t.bus.Publish("conflict_resolved", ConflictResolved{Name: incoming.Name, Winner: winner, Loser: loser})
}

// wins reports whether a supersedes b under the spec §3 tuple.
func wins(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.NodeID < b.NodeID
}

// onNodeUp exchanges the local table in full with a newly up peer
// (spec §4.9 "Sync on join").
func (t *Table) onNodeUp(id cluster.NodeID) {
	sync := wire.RegistrySync{}
	for _, e := range t.Snapshot() {
		sync.Entries = append(sync.Entries, e.toWire())
	}
	t.cl.Send(id, wire.Envelope{Kind: wire.KindRegistrySync, Body: sync})
}

// onNodeDown removes every entry owned by id and publishes Unregistered
// for each (spec §4.9 "Cleanup on node down").
func (t *Table) onNodeDown(id cluster.NodeID, _ error) {
	owner := string(id)
	var removed []Entry

	t.mu.Lock()
	for name, e := range t.entries {
		if e.NodeID == owner {
			removed = append(removed, e)
			delete(t.entries, name)
		}
	}
	t.mu.Unlock()

	for _, e := range removed {
		t.bus.Publish("unregistered", Unregistered{Name: e.Name, Ref: e.Ref})
	}
}

func (e Entry) String() string {
	return fmt.Sprintf("%s -> %s (node=%s prio=%d ts=%d)", e.Name, e.Ref, e.NodeID, e.Priority, e.Timestamp)
}
