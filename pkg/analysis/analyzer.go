// Package analysis adapts the external collaborator that turns
// structured run summaries into human-readable text. All calls are
// best-effort: a failure here must never fail ingestion or completion.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Placeholder text stored when the collaborator is unavailable.
const (
	PlaceholderAnalysis        = "Automated analysis unavailable for this run."
	PlaceholderRecommendations = "No recommendations available."
	PlaceholderWorkerAnalysis  = "Automated analysis unavailable for this check."
)

// WorkerSummary is the structured per-worker input to the collaborator.
type WorkerSummary struct {
	WorkerName    string  `json:"worker_name"`
	WorkerType    string  `json:"worker_type"`
	Status        string  `json:"status"`
	OverallStatus string  `json:"overall_status"`
	HealthScore   float64 `json:"health_score"`
	TestsTotal    int     `json:"tests_total"`
	TestsPassed   int     `json:"tests_passed"`
	TestsFailed   int     `json:"tests_failed"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// RunSummary is the structured run-level input to the collaborator.
type RunSummary struct {
	RunID              string          `json:"run_id"`
	TriggerType        string          `json:"trigger_type"`
	TotalWorkers       int             `json:"total_workers"`
	CompletedWorkers   int             `json:"completed_workers"`
	PassedWorkers      int             `json:"passed_workers"`
	FailedWorkers      int             `json:"failed_workers"`
	OverallHealthScore float64         `json:"overall_health_score"`
	Workers            []WorkerSummary `json:"workers"`
}

// Analysis is the collaborator's run-level output.
type Analysis struct {
	Analysis        string `json:"analysis"`
	Recommendations string `json:"recommendations"`
}

// Analyzer produces human-readable analysis text. Implementations may
// fail; callers degrade to the placeholder constants.
type Analyzer interface {
	AnalyzeRun(ctx context.Context, summary RunSummary) (Analysis, error)
	AnalyzeWorker(ctx context.Context, summary WorkerSummary) (string, error)
}

// Compile-time interface checks.
var (
	_ Analyzer = (*httpAnalyzer)(nil)
	_ Analyzer = (*disabledAnalyzer)(nil)
)

type httpAnalyzer struct {
	url    string
	client *http.Client
}

// NewHTTPAnalyzer creates an Analyzer that posts summaries to an
// external analysis endpoint.
func NewHTTPAnalyzer(url string, timeout time.Duration) Analyzer {
	return &httpAnalyzer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *httpAnalyzer) AnalyzeRun(
	ctx context.Context, summary RunSummary,
) (Analysis, error) {
	var out Analysis
	if err := a.post(ctx, a.url+"/analyze/run", summary, &out); err != nil {
		return Analysis{}, err
	}

	return out, nil
}

func (a *httpAnalyzer) AnalyzeWorker(
	ctx context.Context, summary WorkerSummary,
) (string, error) {
	var out struct {
		Analysis string `json:"analysis"`
	}

	if err := a.post(ctx, a.url+"/analyze/worker", summary, &out); err != nil {
		return "", err
	}

	return out.Analysis, nil
}

func (a *httpAnalyzer) post(
	ctx context.Context, url string, in, out any,
) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building analysis request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling analysis endpoint: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analysis endpoint returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding analysis response: %w", err)
	}

	return nil
}

type disabledAnalyzer struct{}

// NewDisabledAnalyzer creates an Analyzer used when no collaborator is
// configured. It always reports the collaborator as unavailable so
// callers fall back to placeholder text.
func NewDisabledAnalyzer() Analyzer {
	return &disabledAnalyzer{}
}

func (*disabledAnalyzer) AnalyzeRun(
	context.Context, RunSummary,
) (Analysis, error) {
	return Analysis{}, fmt.Errorf("analysis collaborator not configured")
}

func (*disabledAnalyzer) AnalyzeWorker(
	context.Context, WorkerSummary,
) (string, error) {
	return "", fmt.Errorf("analysis collaborator not configured")
}
