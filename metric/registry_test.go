package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})
	require.NoError(t, registry.RegisterCounter("history", "test_counter", counter))
	counter.Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter" {
			found = true
		}
	}
	assert.True(t, found, "counter should be gathered")
}

// Test duplicate registration is rejected as invalid
func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "x"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "x"})

	require.NoError(t, registry.RegisterGauge("svc", "dup", g1))

	err := registry.RegisterGauge("svc", "dup", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same collector name under another key still collides in prometheus
	err = registry.RegisterGauge("other", "dup", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_total", Help: "x"}, []string{"k"})
	require.NoError(t, registry.RegisterCounterVec("svc", "vec", vec))

	assert.True(t, registry.Unregister("svc", "vec"))
	assert.False(t, registry.Unregister("svc", "vec"))

	// key is free again
	require.NoError(t, registry.RegisterCounterVec("svc", "vec", vec))
}

func TestCoreMetrics_Labels(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.PacketsAccepted.WithLabelValues("http").Inc()
	m.PacketsAccepted.WithLabelValues("http").Inc()
	m.PacketsRejected.WithLabelValues("broker", "invalid").Inc()
	m.BreakerState.WithLabelValues("ingest").Set(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsAccepted.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsRejected.WithLabelValues("broker", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("ingest")))
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().PacketsReceived.WithLabelValues("socket").Inc()

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `telemetry_packets_received_total{transport="socket"} 1`)
}
