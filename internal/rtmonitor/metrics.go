package rtmonitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors
type Metrics struct {
	envelopes *prometheus.CounterVec
	invalid   *prometheus.CounterVec
	sent      *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	removed   *prometheus.CounterVec
	clients   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg, if it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {

	m := &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmonitor",
			Name:      "envelopes_total",
			Help:      "Envelopes received from the bus, by monitor.",
		}, []string{"monitor"}),
		invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmonitor",
			Name:      "envelopes_invalid_total",
			Help:      "Envelopes ignored because they were not valid JSON, by monitor.",
		}, []string{"monitor"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmonitor",
			Name:      "messages_sent_total",
			Help:      "Messages handed to client connections, by monitor.",
		}, []string{"monitor"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmonitor",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because a client send buffer was full, by monitor.",
		}, []string{"monitor"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmonitor",
			Name:      "messages_rejected_total",
			Help:      "Messages answered with rt_nok, by the msg_type rejected.",
		}, []string{"msg_type"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmonitor",
			Name:      "clients_removed_total",
			Help:      "Clients removed, by reason.",
		}, []string{"reason"}),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtmonitor",
			Name:      "clients",
			Help:      "Admitted clients, by monitor.",
		}, []string{"monitor"}),
	}

	if reg != nil {
		reg.MustRegister(m.envelopes, m.invalid, m.sent, m.dropped, m.rejected, m.removed, m.clients)
	}

	return m
}
