package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_DecisionCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts by mode and tier", func(t *testing.T) {
		m.RecordDecision("trial", "trial")
		m.RecordDecision("trial", "trial")
		m.RecordDecision("online", "pro")

		if val := getCounterValue(t, m.DecisionCounter, "trial", "trial"); val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
		if val := getCounterValue(t, m.DecisionCounter, "online", "pro"); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})
}

func TestPrometheus_Denials(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordDenial("trial_exhausted")
	m.RecordDenial("file_too_large")
	m.RecordDenial("trial_exhausted")

	if val := getCounterValue(t, m.DenialCounter, "trial_exhausted"); val != 2 {
		t.Errorf("expected 2, got %f", val)
	}
	if val := getCounterValue(t, m.DenialCounter, "file_too_large"); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}
}

func TestPrometheus_RemoteCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRemoteCall("validate", "ok", 250*time.Millisecond)
	m.RecordRemoteCall("validate", "unavailable", 5*time.Second)

	if val := getCounterValue(t, m.RemoteCalls, "validate", "unavailable"); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}
	count, sum := getHistogramValues(t, m.RemoteLatency, "validate")
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
	if sum != 5.25 {
		t.Errorf("expected sum 5.25, got %f", sum)
	}
}

func TestPrometheus_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.SetTrialUsed(7)
	m.SetBreakerOpen(true)
	m.RecordUsageDropped()

	if val := getGaugeValue(t, m.TrialUsed); val != 7 {
		t.Errorf("expected 7, got %f", val)
	}
	if val := getGaugeValue(t, m.BreakerOpen); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}
	m.SetBreakerOpen(false)
	if val := getGaugeValue(t, m.BreakerOpen); val != 0 {
		t.Errorf("expected 0, got %f", val)
	}

	var dm dto.Metric
	if err := m.UsageReportsDropped.Write(&dm); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if dm.GetCounter().GetValue() != 1 {
		t.Errorf("expected 1 dropped report, got %f", dm.GetCounter().GetValue())
	}
}

func TestPrometheus_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(reg); err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Error("registering twice on the same registry should fail")
	}
}

func TestPrometheus_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordDecision("trial", "trial")
	m.RecordDenial("x")
	m.SetTrialUsed(1)
	m.RecordRemoteCall("validate", "ok", time.Second)
	m.SetBreakerOpen(true)
	m.RecordUsageDropped()
	m.RecordUsageSent("ocr")
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordDenial("trial_exhausted")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `folio_entitlement_denials_total{reason="trial_exhausted"} 1`) {
		t.Errorf("denial counter missing from exposition:\n%s", rec.Body.String())
	}
}
