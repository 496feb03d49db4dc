// Package metrics exposes Prometheus collectors for sync activity. Every
// method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hivechat"

// History sources.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceError   = "error"
)

type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	payloadsDropped *prometheus.CounterVec
	sends           *prometheus.CounterVec
	history         *prometheus.CounterVec
	pending         prometheus.Gauge
	subscriptions   prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Push events applied to the local cache, by category.",
		}, []string{"category"}),
		payloadsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_dropped_total",
			Help:      "Push payloads that failed validation, by category.",
		}, []string{"category"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Optimistic sends by outcome.",
		}, []string{"outcome"}),
		history: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_reads_total",
			Help:      "History reads by source.",
		}, []string{"source"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "placeholders",
			Help:      "Placeholders currently tracked.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live push subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsApplied, m.payloadsDropped, m.sends, m.history, m.pending, m.subscriptions)
	}
	return m
}

func (m *Metrics) EventApplied(category string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(category).Inc()
}

func (m *Metrics) PayloadDropped(category string) {
	if m == nil {
		return
	}
	m.payloadsDropped.WithLabelValues(category).Inc()
}

func (m *Metrics) SendSucceeded() {
	if m == nil {
		return
	}
	m.sends.WithLabelValues("sent").Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sends.WithLabelValues("failed").Inc()
}

func (m *Metrics) HistoryRead(source string) {
	if m == nil {
		return
	}
	m.history.WithLabelValues(source).Inc()
}

func (m *Metrics) SetPlaceholders(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}
