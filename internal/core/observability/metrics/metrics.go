// Package metrics exposes the collaboration core's prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zeuscollab"

type Metrics struct {
	Connections       prometheus.Gauge
	DroppedMessages   prometheus.Counter
	ReconnectAttempts prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	Rooms             prometheus.Gauge
	Broadcasts        prometheus.Counter
	OperationsApplied *prometheus.CounterVec
	OperationsRebased prometheus.Counter
	OperationsFailed  prometheus.Counter
	StateSets         prometheus.Counter
	StatePushes       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "connections",
			Help: "Connections currently in the connected state.",
		}),
		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "dropped_messages_total",
			Help: "Messages dropped because the target connection was not connected.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "reconnect_attempts_total",
			Help: "Reconnect attempts scheduled.",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "heartbeat_timeouts_total",
			Help: "Connections closed for missing heartbeats.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rooms", Name: "active",
			Help: "Rooms with at least one member.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rooms", Name: "broadcasts_total",
			Help: "Room broadcasts performed.",
		}),
		OperationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "document", Name: "operations_applied_total",
			Help: "Operations committed, by kind.",
		}, []string{"kind"}),
		OperationsRebased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "document", Name: "operations_rebased_total",
			Help: "Operations transformed against concurrent history before commit.",
		}),
		OperationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "document", Name: "operations_rejected_total",
			Help: "Operations rejected by validation.",
		}),
		StateSets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "statesync", Name: "sets_total",
			Help: "Shared state writes.",
		}),
		StatePushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "statesync", Name: "pushes_total",
			Help: "Auto-sync pushes, by result.",
		}, []string{"result"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Connections, m.DroppedMessages, m.ReconnectAttempts, m.HeartbeatTimeouts,
		m.Rooms, m.Broadcasts,
		m.OperationsApplied, m.OperationsRebased, m.OperationsFailed,
		m.StateSets, m.StatePushes,
	}
}

func (m *Metrics) ConnectionUp() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionDown() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) MessageDropped() {
	if m != nil {
		m.DroppedMessages.Inc()
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) HeartbeatTimedOut() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}

func (m *Metrics) RoomCreated() {
	if m != nil {
		m.Rooms.Inc()
	}
}

func (m *Metrics) RoomDeleted() {
	if m != nil {
		m.Rooms.Dec()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.Broadcasts.Inc()
	}
}

func (m *Metrics) OperationApplied(kind string, rebased bool) {
	if m == nil {
		return
	}
	m.OperationsApplied.WithLabelValues(kind).Inc()
	if rebased {
		m.OperationsRebased.Inc()
	}
}

func (m *Metrics) OperationRejected() {
	if m != nil {
		m.OperationsFailed.Inc()
	}
}

func (m *Metrics) StateSet() {
	if m != nil {
		m.StateSets.Inc()
	}
}

func (m *Metrics) StatePushed(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StatePushes.WithLabelValues(result).Inc()
}
