package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Counter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.Counter(MetricOutboxSent, 1, T("type", "email"))
	m.Counter(MetricOutboxSent, 2, T("type", "email"))
	m.Counter(MetricOutboxSent, 1, T("type", "sms"))

	vec := m.counters[MetricOutboxSent]
	require.NotNil(t, vec)
	assert.Equal(t, 3.0, testutil.ToFloat64(vec.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("sms")))

	count, err := testutil.GatherAndCount(reg, "clinicflow_outbox_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusMetrics_DropsMismatchedLabels(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.Counter(MetricOutboxFailed, 1, T("type", "sms"))
	assert.NotPanics(t, func() {
		m.Counter(MetricOutboxFailed, 1, T("origin", "https://sms.example"))
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.counters[MetricOutboxFailed].WithLabelValues("sms")))
}

func TestPrometheusMetrics_GaugeAndTiming(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.Gauge(MetricBreakerState, 2, T("origin", "https://mail.example"))
	m.Gauge(MetricBreakerState, 0, T("origin", "https://mail.example"))
	m.Timing(MetricDeliveryDuration, 250*time.Millisecond)
	m.Histogram(MetricOutboxClaimed, 5)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.gauges[MetricBreakerState].WithLabelValues("https://mail.example")))

	count, err := testutil.GatherAndCount(reg, "clinicflow_delivery_duration_seconds", "clinicflow_outbox_claimed")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusMetrics(reg)
	b := NewPrometheusMetrics(reg)

	a.Counter(MetricAppointmentsBooked, 1)
	b.Counter(MetricAppointmentsBooked, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.counters[MetricAppointmentsBooked]))
}

func TestPromName(t *testing.T) {
	assert.Equal(t, "clinicflow_outbox_sent", promName("clinicflow.outbox.sent"))
	assert.Equal(t, "a_b_c", promName("a-b.c"))
}
