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

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Transition("received", "enriching")
	m.Transition("received", "enriching")
	m.Execution("restart_client", "succeeded", 200*time.Millisecond)
	m.SetStateCounts(map[string]int{"executing": 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("received", "enriching")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.active.WithLabelValues("executing")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fixline_executions_total{status="succeeded",tool="restart_client"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Alert("new")
	m.Escalation()
	m.Execution("x", "failed", time.Second)
	m.SetStateCounts(map[string]int{"failed": 1})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
