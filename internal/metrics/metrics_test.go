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

func TestMetrics(t *testing.T) {
	m := New()

	m.JobDispatched("training")
	m.JobDispatched("training")
	m.DispatchFailed("eval")
	m.Retried("fetch_runs")
	m.SetRuns(map[string]int{"COMPLETED": 3}, []string{"COMPLETED", "FAILED"})
	m.ObserveSuggest(20 * time.Millisecond)
	m.SetBestScore(0.9)
	m.LoopIteration()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsDispatched.WithLabelValues("training")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchFailures.WithLabelValues("eval")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeRetries.WithLabelValues("fetch_runs")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.runs.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runs.WithLabelValues("FAILED")))
	assert.Equal(t, 0.9, testutil.ToFloat64(m.bestScore))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loopIterations))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "protein_jobs_dispatched_total")
	assert.Contains(t, string(body), "protein_suggest_duration_seconds")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.JobDispatched("training")
		m.DispatchFailed("training")
		m.Retried("x")
		m.SetRuns(nil, []string{"PENDING"})
		m.ObserveSuggest(time.Second)
		m.SetBestScore(1)
		m.LoopIteration()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
