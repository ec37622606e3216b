package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/protein/controller"
	"github.com/thalesfsp/protein/internal/metrics"
	"github.com/thalesfsp/protein/models"
)

type fixedStatus controller.Status

func (f fixedStatus) Status() controller.Status { return controller.Status(f) }

func newServer(t *testing.T, m *metrics.Metrics) *Server {
	best := 0.75

	return New("127.0.0.1:0", fixedStatus{
		ExperimentID: "exp",
		Running:      true,
		TrialsIssued: 3,
		RunsByStatus: map[models.RunStatus]int{models.RunStatusCompleted: 2},
		BestScore:    &best,
	}, m, testr.New(t))
}

func TestRoutes(t *testing.T) {
	m := metrics.New()
	m.LoopIteration()

	s := newServer(t, m)

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{"health", http.MethodGet, "/health", http.StatusOK, `"healthy"`},
		{"status", http.MethodGet, "/status", http.StatusOK, `"experiment_id":"exp"`},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "protein_loop_iterations_total 1"},
		{"wrong method", http.MethodPost, "/status", http.StatusMethodNotAllowed, ""},
		{"unknown", http.MethodGet, "/jobs", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestStatusBody(t *testing.T) {
	s := newServer(t, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got controller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "exp", got.ExperimentID)
	assert.True(t, got.Running)
	assert.Equal(t, 3, got.TrialsIssued)
	assert.Equal(t, 2, got.RunsByStatus[models.RunStatusCompleted])
	require.NotNil(t, got.BestScore)
	assert.Equal(t, 0.75, *got.BestScore)

	// Without metrics the endpoint is absent
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartShutdown(t *testing.T) {
	s := newServer(t, metrics.New())

	addr, err := s.Start()
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	require.NoError(t, s.Shutdown(context.Background()))

	_, err = http.Get(fmt.Sprintf("http://%s/health", addr))
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	var down error

	s := New("127.0.0.1:0", fixedStatus{}, nil, testr.New(t), WithHealthCheck(func(context.Context) error {
		return down
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down = errors.New("database is locked")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
	assert.Contains(t, rec.Body.String(), "database is locked")
}
