package dlna

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the optional observability surface SPEC_FULL.md §11 carries
// over from navidrome's go.mod dependency on prometheus/client_golang —
// navidrome itself wires prometheus into its own metrics package for
// library/scan counters; nothing in server/dlna used it, so this is new
// wiring rather than an adaptation of an existing navidrome metrics file.
// A Device constructed with a nil *Metrics skips every counter increment.
// SchedulesFired counts schedule-queue dispatch passes, not individual
// entries. ActiveSubscriptions is registered, but Device never updates it.
type Metrics struct {
	SchedulesFired   prometheus.Counter
	DatagramsDropped prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
}

// NewMetrics registers a fixed set of counters/gauges under the "dlnakit"
// namespace on reg. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry across repeated construction.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SchedulesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlnakit",
			Name:      "schedules_fired_total",
			Help:      "Number of schedule.Queue dispatch passes run by Device.Tick.",
		}),
		DatagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlnakit",
			Name:      "datagrams_dropped_total",
			Help:      "Number of inbound or outbound SSDP datagrams dropped.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlnakit",
			Name:      "active_subscriptions",
			Help:      "Number of GENA subscriptions currently held, across every service.",
		}),
	}
	reg.MustRegister(m.SchedulesFired, m.DatagramsDropped, m.ActiveSubscriptions)
	return m
}
