package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveRun(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)

	m.ObserveRun(OutcomeSuccess, time.Second, at)
	m.ObserveRun(OutcomeTransient, time.Second, at.Add(time.Hour))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeTransient)))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastSuccess))
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetQueueDepth("pending", 4)
	m.SetOnline(true)
	m.AddOperations("success", 3)
	m.AddOperations("success", 0)
	m.AddPulled(7)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.operations.WithLabelValues("success")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pulled))

	m.SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.online))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun(OutcomeError, time.Second, time.Now())
		m.AddOperations("failure", 1)
		m.AddPulled(1)
		m.SetQueueDepth("failed", 1)
		m.SetOnline(true)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.AddPulled(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "possync_client_pulled_records_total 2")
}
