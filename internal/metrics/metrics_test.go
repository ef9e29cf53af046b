package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Operation("agg", "add", ResultOK)
	m.Operation("agg", "add", ResultOK)
	m.Operation("agg", "add", ResultConflict)
	m.Redelivered("agg")
	m.DeadLettered("agg")
	m.DeadLetterFailed("agg")
	m.TickSkipped("agg")
	m.Scanned("agg", 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("agg", "add", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("agg", "add", ResultConflict)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.redeliveries.WithLabelValues("agg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters.WithLabelValues("agg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetterFailures.WithLabelValues("agg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skippedTicks.WithLabelValues("agg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues("agg")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Operation("agg", "add", ResultOK)
		m.Redelivered("agg")
		m.DeadLettered("agg")
		m.DeadLetterFailed("agg")
		m.TickSkipped("agg")
		m.Scanned("agg", 1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Operation("agg", "confirm", ResultOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `corral_repository_operations_total{op="confirm",repository="agg",result="ok"} 1`)
}
