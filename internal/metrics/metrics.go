// Package metrics exposes sync counters to Prometheus. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "readwise_autosave"

type Metrics struct {
	items       *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	suspensions *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	workers     *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Source items handled by pollers, by source and outcome.",
		}, []string{"source", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Readwise delivery attempts, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_suspensions_total",
			Help:      "Readwise endpoint suspensions after a rate limit response.",
		}, []string{"endpoint"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth token refreshes, by result.",
		}, []string{"result"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Running pollers, by source.",
		}, []string{"source"}),
	}

	reg.MustRegister(m.items, m.deliveries, m.suspensions, m.refreshes, m.workers)

	return m
}

func (m *Metrics) Item(source string, outcome string) {
	if m == nil {
		return
	}

	m.items.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Delivery(endpoint string, outcome string) {
	if m == nil {
		return
	}

	m.deliveries.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) Suspension(endpoint string) {
	if m == nil {
		return
	}

	m.suspensions.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}

	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) WorkerStarted(source string) {
	if m == nil {
		return
	}

	m.workers.WithLabelValues(source).Inc()
}

func (m *Metrics) WorkerStopped(source string) {
	if m == nil {
		return
	}

	m.workers.WithLabelValues(source).Dec()
}
