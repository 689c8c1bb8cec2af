package vhci

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Work Pump's Prometheus instrumentation. A nil
// *prometheus.Registry is accepted so a Controller can be constructed in
// tests without wiring a registry.
type Metrics struct {
	portEvents    prometheus.Counter
	urbsProcessed prometheus.Counter
}

// NewMetrics registers the Work Pump's counters with reg, or returns
// unregistered (but still usable) counters if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		portEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vhci",
			Name:      "port_events_total",
			Help:      "Port-status events decoded by the Work Pump.",
		}),
		urbsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vhci",
			Name:      "urbs_processed_total",
			Help:      "URBs handed off to the client via the work queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.portEvents, m.urbsProcessed)
	}
	return m
}
