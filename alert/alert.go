// Package alert implements the statistical alert manager of spec
// §4.10: a rolling per-process ring buffer of queue-size samples, a
// mean+stddev derived threshold, and cooldown-gated fire/resolve
// transitions.
//
// There is no alert manager in the teacher repo; the ring buffer is
// grounded on concurrency-and-channels/subscription.go's EventStore.Push
// fixed-capacity re-slice-on-overflow discipline (see DESIGN.md),
// simplified here to a plain slice since samples need no time-range
// query, only a bounded window.
package alert

import (
	"math"
	"sync"
	"time"

	"github.com/hamicek/noex/actor"
)

const ringCapacity = 1000

// Config tunes the manager (spec §4.10 defaults).
type Config struct {
	Enabled               bool
	SensitivityMultiplier float64
	MinSamples            int
	CooldownMs            int64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		SensitivityMultiplier: 2.0,
		MinSamples:            30,
		CooldownMs:            10000,
	}
}

// EventKind distinguishes a fired alert from a resolved one.
type EventKind int

const (
	EventTriggered EventKind = iota
	EventResolved
)

func (k EventKind) String() string {
	if k == EventResolved {
		return "alert_resolved"
	}
	return "alert_triggered"
}

// Event is delivered to Subscribe handlers on every fire/resolve.
type Event struct {
	Kind      EventKind
	Ref       actor.Ref
	Sample    int
	Threshold float64
	Mean      float64
	StdDev    float64
	At        time.Time
}

type ring struct {
	buf   [ringCapacity]int
	size  int
	head  int // next write index
	total int // cumulative samples observed, including overwritten ones
	sum   float64
	sumSq float64
}

func (r *ring) push(v int) {
	if r.size == ringCapacity {
		old := r.buf[r.head]
		r.sum -= float64(old)
		r.sumSq -= float64(old) * float64(old)
	} else {
		r.size++
	}
	r.buf[r.head] = v
	r.sum += float64(v)
	r.sumSq += float64(v) * float64(v)
	r.head = (r.head + 1) % ringCapacity
	r.total++
}

func (r *ring) meanStdDev() (mean, stddev float64) {
	if r.size == 0 {
		return 0, 0
	}
	n := float64(r.size)
	mean = r.sum / n
	variance := r.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

type procState struct {
	samples        ring
	inAlert        bool
	lastTransition time.Time
}

// Manager is one alert manager instance, keyed by process ref (spec
// §4.10 "for each process it maintains a bounded ring buffer").
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	procs map[string]*procState

	subMu sync.Mutex
	subs  []func(Event)
}

// New creates a Manager with DefaultConfig.
func New() *Manager {
	return &Manager{cfg: DefaultConfig(), procs: map[string]*procState{}}
}

// Configure merges partial into the live config in place. A zero
// SensitivityMultiplier, MinSamples or CooldownMs in partial leaves the
// current value unchanged, so none of the three can be set to 0 here.
// Enabled is always copied from partial: a partial that leaves it unset
// disables the manager.
func (m *Manager) Configure(partial Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partial.SensitivityMultiplier != 0 {
		m.cfg.SensitivityMultiplier = partial.SensitivityMultiplier
	}
	if partial.MinSamples != 0 {
		m.cfg.MinSamples = partial.MinSamples
	}
	if partial.CooldownMs != 0 {
		m.cfg.CooldownMs = partial.CooldownMs
	}
	m.cfg.Enabled = partial.Enabled
}

// Reset clears all per-process statistics and active alert state.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.procs = map[string]*procState{}
	m.mu.Unlock()
}

// Subscribe registers handler for every alert_triggered/alert_resolved
// event. The returned func unsubscribes.
func (m *Manager) Subscribe(handler func(Event)) func() {
	m.subMu.Lock()
	m.subs = append(m.subs, handler)
	idx := len(m.subs) - 1
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if idx < len(m.subs) {
			m.subs[idx] = nil
		}
	}
}

func (m *Manager) emit(evt Event) {
	m.subMu.Lock()
	handlers := make([]func(Event), len(m.subs))
	copy(handlers, m.subs)
	m.subMu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() { recover() }()
			h(evt)
		}()
	}
}

// Sample feeds one queue-size observation for ref, evaluating the
// threshold and firing/resolving as needed (spec §4.10).
func (m *Manager) Sample(ref actor.Ref, queueSize int, at time.Time) {
	m.mu.Lock()
	if !m.cfg.Enabled {
		m.mu.Unlock()
		return
	}
	cfg := m.cfg
	ps, ok := m.procs[ref.ID]
	if !ok {
		ps = &procState{}
		m.procs[ref.ID] = ps
	}
	ps.samples.push(queueSize)

	if ps.samples.size < cfg.MinSamples {
		m.mu.Unlock()
		return
	}

	mean, stddev := ps.samples.meanStdDev()
	threshold := mean + cfg.SensitivityMultiplier*stddev

	var evt *Event
	switch {
	case !ps.inAlert && float64(queueSize) > threshold:
		cooldown := time.Duration(cfg.CooldownMs) * time.Millisecond
		if ps.lastTransition.IsZero() || at.Sub(ps.lastTransition) >= cooldown {
			ps.inAlert = true
			ps.lastTransition = at
			evt = &Event{Kind: EventTriggered, Ref: ref, Sample: queueSize,
				Threshold: threshold, Mean: mean, StdDev: stddev, At: at}
		}
	case ps.inAlert && float64(queueSize) <= threshold:
		ps.inAlert = false
		ps.lastTransition = at
		evt = &Event{Kind: EventResolved, Ref: ref, Sample: queueSize,
			Threshold: threshold, Mean: mean, StdDev: stddev, At: at}
	}
	m.mu.Unlock()

	if evt != nil {
		m.emit(*evt)
	}
}

// InAlert reports whether ref currently has an active alert.
func (m *Manager) InAlert(ref actor.Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.procs[ref.ID]
	return ok && ps.inAlert
}
