package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/healthoor/pkg/analysis"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/ethpandaops/healthoor/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// TestResult is one test outcome inside a category.
type TestResult struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Connectivity carries the worker's reachability flags.
type Connectivity struct {
	Orchestrator bool `json:"orchestrator"`
	ExternalAPI  bool `json:"external_api"`
	Database     bool `json:"database"`
}

// WorkerResult is the payload a worker delivers through the result
// callback. Tests is keyed by category (unit, performance,
// integration).
type WorkerResult struct {
	OverallStatus string                  `json:"overall_status"`
	HealthScore   *float64                `json:"health_score"`
	Connectivity  Connectivity            `json:"connectivity"`
	Tests         map[string][]TestResult `json:"tests,omitempty"`
	Raw           json.RawMessage         `json:"raw,omitempty"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
	Warnings      []string                `json:"warnings,omitempty"`
}

// Validate rejects payloads that cannot represent a check outcome.
func (r *WorkerResult) Validate() error {
	switch r.OverallStatus {
	case store.OverallHealthy, store.OverallDegraded,
		store.OverallUnhealthy, store.OverallCritical:
	default:
		return fmt.Errorf(
			"%w: unknown overall_status %q", ErrInvalidResult, r.OverallStatus,
		)
	}

	if r.HealthScore != nil &&
		(*r.HealthScore < 0 || *r.HealthScore > 1) {
		return fmt.Errorf(
			"%w: health_score %v outside [0,1]", ErrInvalidResult, *r.HealthScore,
		)
	}

	for category := range r.Tests {
		switch category {
		case "unit", "performance", "integration":
		default:
			return fmt.Errorf(
				"%w: unknown test category %q", ErrInvalidResult, category,
			)
		}
	}

	return nil
}

// categoryTotals computes total/passed/failed from a test list.
func categoryTotals(results []TestResult) (total, passed, failed int) {
	total = len(results)

	for _, tr := range results {
		if tr.Status == "passed" {
			passed++
		}
	}

	return total, passed, total - passed
}

// IngestResult validates and persists a single worker's outcome. A
// callback for an unknown check id returns ErrCheckNotFound; one for an
// already-terminal check is an idempotent no-op that still succeeds and
// leaves every aggregate untouched.
func (s *service) IngestResult(
	ctx context.Context, workerCheckID string, result WorkerResult,
) error {
	if err := result.Validate(); err != nil {
		return err
	}

	check, err := s.store.GetWorkerCheck(ctx, workerCheckID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCheckNotFound, workerCheckID)
		}

		return err
	}

	if store.IsTerminalCheckStatus(check.Status) {
		metrics.ResultsIngestedTotal.WithLabelValues("duplicate").Inc()

		s.log.WithFields(logrus.Fields{
			"worker_check_id": workerCheckID,
			"status":          check.Status,
		}).Debug("Ignoring late callback for terminal check")

		return nil
	}

	now := time.Now().UTC()

	finalized := &store.WorkerCheck{
		ID:               check.ID,
		OverallStatus:    result.OverallStatus,
		HealthScore:      result.HealthScore,
		ConnOrchestrator: result.Connectivity.Orchestrator,
		ConnExternalAPI:  result.Connectivity.ExternalAPI,
		ConnDatabase:     result.Connectivity.Database,
		ErrorMessage:     result.ErrorMessage,
		CompletedAt:      &now,
	}

	finalized.UnitTotal, finalized.UnitPassed, finalized.UnitFailed =
		categoryTotals(result.Tests["unit"])
	finalized.PerformanceTotal, finalized.PerformancePassed,
		finalized.PerformanceFailed = categoryTotals(result.Tests["performance"])
	finalized.IntegrationTotal, finalized.IntegrationPassed,
		finalized.IntegrationFailed = categoryTotals(result.Tests["integration"])

	if len(result.Raw) > 0 {
		finalized.RawResults = string(result.Raw)
	}

	if len(result.Warnings) > 0 {
		warnings, merr := json.Marshal(result.Warnings)
		if merr == nil {
			finalized.WarningsJSON = string(warnings)
		}
	}

	transitioned, err := s.store.FinalizeWorkerCheck(ctx, finalized)
	if err != nil {
		return fmt.Errorf("persisting result: %w", err)
	}

	if !transitioned {
		// A concurrent callback or the sweeper won the race.
		metrics.ResultsIngestedTotal.WithLabelValues("duplicate").Inc()

		return nil
	}

	metrics.ResultsIngestedTotal.WithLabelValues("completed").Inc()

	s.log.WithFields(logrus.Fields{
		"run_id":         check.RunID,
		"worker":         check.WorkerName,
		"overall_status": result.OverallStatus,
	}).Info("Result ingested")

	s.attachWorkerAnalysis(ctx, check, result)

	s.recomputeRun(ctx, check.RunID, "ingest")

	return nil
}

// attachWorkerAnalysis requests per-worker analysis text, degrading to
// a placeholder when the collaborator fails. Never fails ingestion.
func (s *service) attachWorkerAnalysis(
	ctx context.Context, check *store.WorkerCheck, result WorkerResult,
) {
	score := 0.0
	if result.HealthScore != nil {
		score = *result.HealthScore
	}

	unitTotal, unitPassed, _ := categoryTotals(result.Tests["unit"])
	perfTotal, perfPassed, _ := categoryTotals(result.Tests["performance"])
	intTotal, intPassed, _ := categoryTotals(result.Tests["integration"])

	summary := analysis.WorkerSummary{
		WorkerName:    check.WorkerName,
		WorkerType:    check.WorkerType,
		Status:        store.CheckStatusCompleted,
		OverallStatus: result.OverallStatus,
		HealthScore:   score,
		TestsTotal:    unitTotal + perfTotal + intTotal,
		TestsPassed:   unitPassed + perfPassed + intPassed,
		ErrorMessage:  result.ErrorMessage,
	}
	summary.TestsFailed = summary.TestsTotal - summary.TestsPassed

	callCtx, cancel := context.WithTimeout(ctx, analysisCallTimeout)
	defer cancel()

	text, err := s.analyzer.AnalyzeWorker(callCtx, summary)
	if err != nil {
		s.log.WithError(err).
			WithField("worker", check.WorkerName).
			Warn("Worker analysis failed, storing placeholder")

		text = analysis.PlaceholderWorkerAnalysis
	}

	if err := s.store.SetWorkerAnalysis(ctx, check.ID, text); err != nil {
		s.log.WithError(err).
			WithField("worker_check_id", check.ID).
			Warn("Failed to store worker analysis")
	}
}
