// Package metrics holds the Prometheus collectors shared by the connection
// manager and the synchronizer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "convsync"

// Metrics groups every collector. Create one per registry.
type Metrics struct {
	InboundEvents     *prometheus.CounterVec
	OutboundEvents    *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Connected         prometheus.Gauge
	Acks              prometheus.Counter
	AckTimeouts       prometheus.Counter
	PendingAcks       prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Events received from the messaging backend, by event name.",
		}, []string{"event"}),
		OutboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_total",
			Help:      "Events written to the messaging backend, by event name and result.",
		}, []string{"event", "result"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Dial attempts made after an unexpected connection loss.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a live connection is open.",
		}),
		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_acks_total",
			Help:      "Outbound messages acknowledged by the server.",
		}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_ack_timeouts_total",
			Help:      "Outbound messages marked failed after the ack timeout.",
		}),
		PendingAcks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_acks",
			Help:      "Outbound messages awaiting an ack.",
		}),
	}
	reg.MustRegister(
		m.InboundEvents,
		m.OutboundEvents,
		m.ReconnectAttempts,
		m.Connected,
		m.Acks,
		m.AckTimeouts,
		m.PendingAcks,
	)
	return m
}

// NewNop returns collectors bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// DropCounter is anything that counts discarded deliveries.
type DropCounter interface {
	Dropped() uint64
}

// RegisterDrops exposes d.Dropped() as a counter.
func RegisterDrops(reg prometheus.Registerer, d DropCounter) error {
	return reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_dropped_events_total",
		Help:      "Notifications dropped because a bus subscriber was full.",
	}, func() float64 { return float64(d.Dropped()) }))
}
