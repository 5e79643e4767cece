package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncNotification()
	m.IncNotification()
	m.IncTarget(OutcomeOpened)
	m.IncTarget(OutcomeSkipped)
	m.IncTarget(OutcomeOpened)
	m.IncResolve(ResolveTimeout)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.targets.WithLabelValues(OutcomeOpened)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.targets.WithLabelValues(OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolves.WithLabelValues(ResolveTimeout)))
}

func TestMetrics_ConnectionState(t *testing.T) {
	m := New()
	assert.Equal(t, -1.0, testutil.ToFloat64(m.connectionState))

	m.SetConnectionState(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionState))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncNotification()
		m.IncTarget(OutcomeClosed)
		m.IncResolve(ResolveResolved)
		m.SetConnectionState(2)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncResolve(ResolveCacheHit)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `imnotify_resolve_outcomes_total{outcome="cache_hit"} 1`)
	assert.Contains(t, string(body), "imnotify_connection_state -1")
}
