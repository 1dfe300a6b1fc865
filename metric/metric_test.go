package metric

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflow/errors"
)

func TestRegisterDuplicate(t *testing.T) {
	r := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "test", Name: "dup_total", Help: "h"})

	require.NoError(t, r.RegisterCounter("svc", "dup", counter))
	err := r.RegisterCounter("svc", "dup", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterPrometheusConflict(t *testing.T) {
	r := NewMetricsRegistry()
	opts := prometheus.GaugeOpts{Namespace: "test", Name: "conflict", Help: "h"}

	require.NoError(t, r.RegisterGauge("a", "conflict", prometheus.NewGauge(opts)))
	err := r.RegisterGauge("b", "conflict", prometheus.NewGauge(opts))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewMetricsRegistry()
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "test", Name: "vec_total", Help: "h"}, []string{"l"})

	require.NoError(t, r.RegisterCounterVec("svc", "vec", vec))
	assert.True(t, r.Unregister("svc", "vec"))
	assert.False(t, r.Unregister("svc", "vec"))
	assert.NoError(t, r.RegisterCounterVec("svc", "vec", vec))
}

func TestCoreMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHTTP("/flows", "200", time.Millisecond)
		m.RecordEvent("ws", "debug", nil)
		m.RecordStorageError("put")
	})
}

func TestCoreMetricsRecord(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	m.ObserveHTTP("/flows", "200", time.Millisecond)
	m.RecordEvent("nats", "status", nil)
	m.RecordEvent("nats", "status", fmt.Errorf("closed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/flows", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("nats", "status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsFailed.WithLabelValues("nats", "status")))
}

func TestServerHandler(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().ObserveHTTP("/nodes", "200", time.Millisecond)

	h, err := NewServer(0, "", r).Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "nodeflow_http_requests_total")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerWithoutRegistry(t *testing.T) {
	_, err := NewServer(0, "", nil).Handler()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestServerAddress(t *testing.T) {
	assert.Equal(t, "http://localhost:9090/metrics", NewServer(0, "", nil).Address())
}
