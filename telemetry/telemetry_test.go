package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/motorblog/blogcache/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSize int

func (f fixedSize) Len() int { return int(f) }

func enableTelemetry(t *testing.T) {
	prev := cfg.Config.Prometheus.Enabled
	cfg.Config.Prometheus.Enabled = true
	InitializeTelemetry()
	t.Cleanup(func() {
		cfg.Config.Prometheus.Enabled = prev
		registry = nil
	})
}

func TestNoopWhenDisabled(t *testing.T) {
	require.Nil(t, registry)

	assert.Equal(t, NoopStat{}, NewCounter("x_total", "x"))
	assert.Equal(t, noopCounterVec{}, NewCounterVec("y_total", "y", []string{"a"}))
	assert.Nil(t, GetMetricsHandler())

	// No-ops accept every call
	CacheRequestsTotal.With("categories", "hit").Inc()
	TailerState.With("following").Set(1)
}

func TestInitializeTelemetry_ServesMetrics(t *testing.T) {
	enableTelemetry(t)

	EventsDispatchedTotal.Inc()
	CacheRequestsTotal.With("categories", "hit").Inc()

	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "blogcache_events_dispatched_total")
	assert.Contains(t, string(body), `blogcache_cache_requests_total{key="categories",node_id=`)
}

func TestMetricsCollector_SamplesSizes(t *testing.T) {
	enableTelemetry(t)

	mc := NewMetricsCollector(fixedSize(3), fixedSize(5), 10*time.Millisecond)
	mc.Start()
	defer mc.Stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(Subscriptions.(prometheus.Gauge)) == 3 &&
			testutil.ToFloat64(CacheSlots.(prometheus.Gauge)) == 5
	}, time.Second, 10*time.Millisecond)

	mc.Stop()
}
