// Package metrics provides Prometheus metrics for entitlement decisions,
// trial usage and license server calls.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DecisionCounter     *prometheus.CounterVec
	DenialCounter       *prometheus.CounterVec
	TrialUsed           prometheus.Gauge
	RemoteCalls         *prometheus.CounterVec
	RemoteLatency       *prometheus.HistogramVec
	BreakerOpen         prometheus.Gauge
	UsageReportsDropped prometheus.Counter
	UsageReportsSent    *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		DecisionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_decisions_total",
			Help:      "Entitlement decisions by validation mode and tier.",
		}, []string{"mode", "tier"}),
		DenialCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_denials_total",
			Help:      "Denied operations by reason.",
		}, []string{"reason"}),
		TrialUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trial_conversions_used",
			Help:      "Trial conversions consumed on this install.",
		}),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "License server calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		RemoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "License server call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_breaker_open",
			Help:      "1 while the license server circuit breaker is open.",
		}),
		UsageReportsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_dropped_total",
			Help:      "Usage reports dropped because the queue was full or retries ran out.",
		}),
		UsageReportsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_total",
			Help:      "Usage reports delivered to the license server.",
		}, []string{"feature"}),
	}

	for _, c := range []prometheus.Collector{
		m.DecisionCounter, m.DenialCounter, m.TrialUsed, m.RemoteCalls,
		m.RemoteLatency, m.BreakerOpen, m.UsageReportsDropped, m.UsageReportsSent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Handler exposes the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordDecision counts a resolved entitlement decision.
func (m *Metrics) RecordDecision(mode, tier string) {
	if m == nil {
		return
	}
	m.DecisionCounter.WithLabelValues(mode, tier).Inc()
}

// RecordDenial counts a denied operation.
func (m *Metrics) RecordDenial(reason string) {
	if m == nil {
		return
	}
	m.DenialCounter.WithLabelValues(reason).Inc()
}

// SetTrialUsed sets the trial conversions used.
func (m *Metrics) SetTrialUsed(used int) {
	if m == nil {
		return
	}
	m.TrialUsed.Set(float64(used))
}

// RecordRemoteCall counts a license server call and observes its latency.
func (m *Metrics) RecordRemoteCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCalls.WithLabelValues(op, outcome).Inc()
	m.RemoteLatency.WithLabelValues(op).Observe(d.Seconds())
}

// SetBreakerOpen records the circuit breaker state.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}

// RecordUsageDropped counts a dropped usage report.
func (m *Metrics) RecordUsageDropped() {
	if m == nil {
		return
	}
	m.UsageReportsDropped.Inc()
}

// RecordUsageSent counts a delivered usage report.
func (m *Metrics) RecordUsageSent(feature string) {
	if m == nil {
		return
	}
	m.UsageReportsSent.WithLabelValues(feature).Inc()
}
