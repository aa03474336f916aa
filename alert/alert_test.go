package alert

import (
	"testing"
	"time"

	"github.com/hamicek/noex/actor"
)

func feedSteady(m *Manager, ref actor.Ref, n int, value int, base time.Time) time.Time {
	at := base
	for i := 0; i < n; i++ {
		m.Sample(ref, value, at)
		at = at.Add(time.Second)
	}
	return at
}

func TestNoAlertBelowMinSamples(t *testing.T) {
	m := New()
	m.Configure(Config{MinSamples: 30, SensitivityMultiplier: 2.0, CooldownMs: 0, Enabled: true})
	ref := actor.Ref{ID: "p1"}
	fired := false
	m.Subscribe(func(Event) { fired = true })

	at := feedSteady(m, ref, 10, 1, time.Now())
	m.Sample(ref, 1000, at)

	if fired {
		t.Fatal("alert fired before minSamples reached")
	}
}

func TestFiresAboveThresholdThenResolves(t *testing.T) {
	m := New()
	m.Configure(Config{MinSamples: 30, SensitivityMultiplier: 2.0, CooldownMs: 0, Enabled: true})
	ref := actor.Ref{ID: "p1"}

	var events []Event
	m.Subscribe(func(e Event) { events = append(events, e) })

	at := feedSteady(m, ref, 30, 1, time.Now())
	m.Sample(ref, 1000, at)
	at = at.Add(time.Second)

	if len(events) != 1 || events[0].Kind != EventTriggered {
		t.Fatalf("events = %v, want one EventTriggered", events)
	}
	if !m.InAlert(ref) {
		t.Fatal("manager should report InAlert after a fire")
	}

	m.Sample(ref, 1, at)
	if len(events) != 2 || events[1].Kind != EventResolved {
		t.Fatalf("events = %v, want second EventResolved", events)
	}
	if m.InAlert(ref) {
		t.Fatal("manager should no longer report InAlert after a resolve")
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	m := New()
	m.Configure(Config{MinSamples: 5, SensitivityMultiplier: 2.0, CooldownMs: 60000, Enabled: true})
	ref := actor.Ref{ID: "p1"}

	var fires int
	m.Subscribe(func(e Event) {
		if e.Kind == EventTriggered {
			fires++
		}
	})

	at := feedSteady(m, ref, 5, 1, time.Now())
	m.Sample(ref, 1000, at) // fire #1
	at = at.Add(time.Second)
	m.Sample(ref, 1, at) // resolve
	at = at.Add(time.Second)
	m.Sample(ref, 5000, at) // would re-fire, but within cooldown of the resolve

	if fires != 1 {
		t.Fatalf("fires = %d, want 1 (cooldown should suppress the second)", fires)
	}
}

func TestDisabledManagerNeverFires(t *testing.T) {
	m := New()
	m.Configure(Config{MinSamples: 5, SensitivityMultiplier: 2.0, CooldownMs: 0, Enabled: false})
	ref := actor.Ref{ID: "p1"}
	fired := false
	m.Subscribe(func(Event) { fired = true })

	at := feedSteady(m, ref, 5, 1, time.Now())
	m.Sample(ref, 1000, at)

	if fired {
		t.Fatal("disabled manager must never fire")
	}
}

func TestResetClearsStatisticsAndActiveAlerts(t *testing.T) {
	m := New()
	m.Configure(Config{MinSamples: 5, SensitivityMultiplier: 2.0, CooldownMs: 0, Enabled: true})
	ref := actor.Ref{ID: "p1"}

	at := feedSteady(m, ref, 5, 1, time.Now())
	m.Sample(ref, 1000, at)
	if !m.InAlert(ref) {
		t.Fatal("expected alert before reset")
	}

	m.Reset()
	if m.InAlert(ref) {
		t.Fatal("reset should clear active alert state")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New()
	m.Configure(Config{MinSamples: 5, SensitivityMultiplier: 2.0, CooldownMs: 0, Enabled: true})
	ref := actor.Ref{ID: "p1"}

	n := 0
	unsub := m.Subscribe(func(Event) { n++ })
	unsub()

	at := feedSteady(m, ref, 5, 1, time.Now())
	m.Sample(ref, 1000, at)

	if n != 0 {
		t.Fatalf("n = %d, want 0 after unsubscribe", n)
	}
}
