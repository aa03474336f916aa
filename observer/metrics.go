package observer

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors every snapshot tick into Prometheus collectors,
// enrichment grounded on arkeep-io-arkeep/server's use of
// client_golang for its own runtime metrics (see DESIGN.md) — the
// nearest real third-party exemplar in the retrieved corpus of
// "observer data exposed as scrapeable metrics".
type Metrics struct {
	processCount  prometheus.Gauge
	totalMessages prometheus.Gauge
	totalRestarts prometheus.Gauge
	goroutines    prometheus.Gauge
	allocBytes    prometheus.Gauge
	alertsActive  prometheus.Gauge

	unsubscribe func()
}

// NewMetrics registers gauges on reg and subscribes to source's
// stats_update lifecycle event so every poll tick is mirrored
// automatically. Registration is opt-in: an application that never
// calls NewMetrics pays nothing for it (SPEC_FULL.md §4.10).
func NewMetrics(source *Observer, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noex", Subsystem: "observer", Name: "process_count",
			Help: "Number of processes currently in the process table.",
		}),
		totalMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noex", Subsystem: "observer", Name: "total_messages",
			Help: "Cumulative messages processed across every process.",
		}),
		totalRestarts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noex", Subsystem: "observer", Name: "total_restarts",
			Help: "Cumulative child restarts across every supervisor.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noex", Subsystem: "observer", Name: "goroutines",
			Help: "runtime.NumGoroutine() at the last poll tick.",
		}),
		allocBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noex", Subsystem: "observer", Name: "alloc_bytes",
			Help: "Heap bytes allocated at the last poll tick.",
		}),
		alertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noex", Subsystem: "observer", Name: "alerts_active",
			Help: "Processes with an active alert at the last poll tick.",
		}),
	}

	reg.MustRegister(m.processCount, m.totalMessages, m.totalRestarts,
		m.goroutines, m.allocBytes, m.alertsActive)

	m.unsubscribe = source.Subscribe(func(evt LifecycleEvent) {
		if evt.Kind == StatsUpdate && evt.Snapshot != nil {
			m.Observe(*evt.Snapshot, source)
		}
	})
	return m
}

// Observe sets every gauge from snap. alertSource, if non-nil, supplies
// the active-alert count; pass nil to leave that gauge unchanged.
func (m *Metrics) Observe(snap Snapshot, alertSource *Observer) {
	m.processCount.Set(float64(snap.ProcessCount))
	m.totalMessages.Set(float64(snap.TotalMessages))
	m.totalRestarts.Set(float64(snap.TotalRestarts))
	m.goroutines.Set(float64(snap.MemoryStats.NumGoroutine))
	m.allocBytes.Set(float64(snap.MemoryStats.AllocBytes))

	if alertSource != nil && alertSource.alert != nil {
		active := 0
		for _, p := range snap.Servers {
			if alertSource.alert.InAlert(p.Ref) {
				active++
			}
		}
		for _, s := range snap.Supervisors {
			for _, c := range s.Children {
				if alertSource.alert.InAlert(c.Ref) {
					active++
				}
			}
		}
		m.alertsActive.Set(float64(active))
	}
}

// Close unsubscribes from source's lifecycle bus. It does not
// unregister the gauges from reg.
func (m *Metrics) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}
