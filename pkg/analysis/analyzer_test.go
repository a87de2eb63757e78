package analysis_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/healthoor/pkg/analysis"
)

func TestHTTPAnalyzer_AnalyzeRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/analyze/run", r.URL.Path)

			var summary analysis.RunSummary
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&summary))
			assert.Equal(t, "run-1", summary.RunID)
			assert.Len(t, summary.Workers, 1)

			_ = json.NewEncoder(w).Encode(analysis.Analysis{
				Analysis:        "fleet is mostly healthy",
				Recommendations: "restart worker beta",
			})
		},
	))
	defer srv.Close()

	a := analysis.NewHTTPAnalyzer(srv.URL, time.Second)

	out, err := a.AnalyzeRun(context.Background(), analysis.RunSummary{
		RunID:        "run-1",
		TriggerType:  "on_demand",
		TotalWorkers: 1,
		Workers: []analysis.WorkerSummary{
			{WorkerName: "alpha", OverallStatus: "healthy", HealthScore: 0.9},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "fleet is mostly healthy", out.Analysis)
	assert.Equal(t, "restart worker beta", out.Recommendations)
}

func TestHTTPAnalyzer_AnalyzeWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/analyze/worker", r.URL.Path)

			_ = json.NewEncoder(w).Encode(map[string]string{
				"analysis": "worker alpha looks fine",
			})
		},
	))
	defer srv.Close()

	a := analysis.NewHTTPAnalyzer(srv.URL, time.Second)

	text, err := a.AnalyzeWorker(context.Background(), analysis.WorkerSummary{
		WorkerName: "alpha",
	})
	require.NoError(t, err)
	assert.Equal(t, "worker alpha looks fine", text)
}

func TestHTTPAnalyzer_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	))
	defer srv.Close()

	a := analysis.NewHTTPAnalyzer(srv.URL, time.Second)

	_, err := a.AnalyzeRun(context.Background(), analysis.RunSummary{})
	require.Error(t, err)

	_, err = a.AnalyzeWorker(context.Background(), analysis.WorkerSummary{})
	require.Error(t, err)
}

func TestHTTPAnalyzer_RespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		},
	))
	defer srv.Close()

	a := analysis.NewHTTPAnalyzer(srv.URL, 10*time.Second)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := a.AnalyzeRun(ctx, analysis.RunSummary{})
	require.Error(t, err)
}

func TestDisabledAnalyzer(t *testing.T) {
	a := analysis.NewDisabledAnalyzer()

	_, err := a.AnalyzeRun(context.Background(), analysis.RunSummary{})
	require.Error(t, err)

	_, err = a.AnalyzeWorker(context.Background(), analysis.WorkerSummary{})
	require.Error(t, err)

	// Callers fall back to the exported placeholder constants.
	assert.NotEmpty(t, analysis.PlaceholderAnalysis)
	assert.NotEmpty(t, analysis.PlaceholderWorkerAnalysis)
}
