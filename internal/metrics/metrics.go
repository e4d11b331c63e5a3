// Package metrics holds the observability hooks shared by the sync components.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "couplesync"

// Metrics groups the prometheus collectors
type Metrics struct {
	ListenersOpen          prometheus.Gauge
	DuplicateSubscriptions prometheus.Counter
	BatchWrites            *prometheus.CounterVec
	SweepDeleted           *prometheus.CounterVec
	Mutations              *prometheus.CounterVec
	GatewayConnections     prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ListenersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_open",
			Help:      "Store subscriptions currently held by the subscription manager.",
		}),
		DuplicateSubscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_duplicate_total",
			Help:      "Unmanaged subscriptions opened on a path that already had a managed one.",
		}),
		BatchWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_writes_total",
			Help:      "Records flushed by batch writers.",
		}, []string{"result"}),
		SweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Expired records removed by the sweeper.",
		}, []string{"collection"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_mutations_total",
			Help:      "Optimistic mutations by terminal state.",
		}, []string{"state"}),
		GatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Open realtime gateway connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ListenersOpen,
			m.DuplicateSubscriptions,
			m.BatchWrites,
			m.SweepDeleted,
			m.Mutations,
			m.GatewayConnections,
		)
	}
	return m
}

func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.ListenersOpen.Set(float64(n))
}

func (m *Metrics) DuplicateSubscription() {
	if m == nil {
		return
	}
	m.DuplicateSubscriptions.Inc()
}

func (m *Metrics) BatchWrite(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.BatchWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepDeleted.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) Mutation(state string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(state).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.GatewayConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.GatewayConnections.Dec()
}
