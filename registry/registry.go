// Package registry implements the local name registry of spec §4.4:
// unique and duplicate keyed name tables with glob-style pattern
// matching and automatic cleanup when a registered process terminates.
//
// The guarded-map shape is lifted directly from the teacher's
// gossip/pkg/statemachine.go StateMachine type (RWMutex-guarded map,
// read methods taking RLock, mutating methods taking Lock).
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/internal/glob"
)

// Keys selects unique or duplicate semantics for a registry instance
// (spec §4.4 "Isolated instances").
type Keys int

const (
	Unique Keys = iota
	Duplicate
)

// Sentinel errors, classified by kind per spec §7.
var (
	ErrAlreadyRegistered = errors.New("registry: name already registered")
	ErrNotRegistered     = errors.New("registry: name not registered")
)

// Entry is one name -> ref mapping (spec §3).
type Entry struct {
	Name      string
	Ref       actor.Ref
	Metadata  any
	Timestamp time.Time
}

// Registry is a name table. The package-level Default instance is what
// most application code means by "the registry"; Create builds isolated
// instances (spec §4.4).
type Registry struct {
	keys  Keys
	table *actor.Table

	mu      sync.RWMutex
	entries map[string][]Entry // len 1 for Unique

	unsubscribe func()
}

// Create builds an isolated registry bound to table (actor.DefaultTable
// if nil), subscribed to that table's lifecycle bus for auto-cleanup.
func Create(keys Keys, table *actor.Table) *Registry {
	if table == nil {
		table = actor.DefaultTable
	}
	r := &Registry{
		keys:    keys,
		table:   table,
		entries: map[string][]Entry{},
	}
	r.unsubscribe = table.Subscribe(r.onLifecycleEvent)
	return r
}

// Close stops watching for process termination. Isolated registries
// that are no longer needed should call this to avoid leaking a
// subscription.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Default is the runtime's default unique-mode registry (spec §4.4,
// §9: "only the default registry and default event bus are
// singletons").
var Default = Create(Unique, actor.DefaultTable)

// Register adds name -> ref. In Unique mode it fails with
// ErrAlreadyRegistered if name exists; in Duplicate mode it always
// succeeds, appending a new entry.
func (r *Registry) Register(name string, ref actor.Ref, metadata any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keys == Unique {
		if existing, ok := r.entries[name]; ok && len(existing) > 0 {
			return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
		}
	}
	entry := Entry{Name: name, Ref: ref, Metadata: metadata, Timestamp: time.Now()}
	r.entries[name] = append(r.entries[name], entry)
	return nil
}

// Unregister removes name, if present. In Duplicate mode this removes
// every entry for name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Lookup returns the unique ref for name, or ErrNotRegistered.
func (r *Registry) Lookup(name string) (actor.Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.entries[name]
	if !ok || len(entries) == 0 {
		return actor.Ref{}, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return entries[0].Ref, nil
}

// Whereis returns the unique ref for name and whether it was found,
// matching the "sentinel-absent" contract of spec §4.4 without
// requiring an error allocation.
func (r *Registry) Whereis(name string) (actor.Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.entries[name]
	if !ok || len(entries) == 0 {
		return actor.Ref{}, false
	}
	return entries[0].Ref, true
}

// LookupAll returns every entry for name (Duplicate mode).
func (r *Registry) LookupAll(name string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.entries[name]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// DispatchStrategy fans a duplicate-mode dispatch out to the matched
// entries.
type DispatchStrategy func(entries []Entry, send func(actor.Ref))

// CastToAll is the default dispatch strategy: cast msg to every entry.
func CastToAll(entries []Entry, send func(actor.Ref)) {
	for _, e := range entries {
		send(e.Ref)
	}
}

// Dispatch delivers msg to every entry registered under name using
// strategy (CastToAll if nil).
func (r *Registry) Dispatch(name string, msg any, strategy DispatchStrategy) {
	entries := r.LookupAll(name)
	if strategy == nil {
		strategy = CastToAll
	}
	strategy(entries, func(ref actor.Ref) {
		r.table.Cast(ref, msg)
	})
}

// Match scans every entry whose name satisfies pattern (spec §4.4's
// *, **, ? alphabet), further filtered by predicate if non-nil.
func (r *Registry) Match(pattern string, predicate func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for name, entries := range r.entries {
		if !glob.Match(pattern, name) {
			continue
		}
		for _, e := range entries {
			if predicate == nil || predicate(e) {
				out = append(out, e)
			}
		}
	}
	return out
}

// onLifecycleEvent removes every entry for a terminated process before
// the process id can be reused (spec §4.4 invariant): cleanup completes
// synchronously, inside the same lifecycle emit call that a
// re-registration race would need to win, because both run through the
// same registry mutex.
func (r *Registry) onLifecycleEvent(evt actor.Event) {
	if evt.Kind != actor.EventTerminated && evt.Kind != actor.EventCrashed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entries := range r.entries {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Ref != evt.Ref {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(r.entries, name)
		} else {
			r.entries[name] = filtered
		}
	}
}
