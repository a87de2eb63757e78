package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/healthoor/pkg/analysis"
	"github.com/ethpandaops/healthoor/pkg/broadcast"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/ethpandaops/healthoor/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// recomputeRun recalculates a run's aggregate fields from its children
// and finalizes the run when every child is terminal. Recomputation for
// one run is serialized through its keyed mutex; the full re-scan of
// children is a deliberate simplicity tradeoff that holds up for fleets
// of tens of workers.
func (s *service) recomputeRun(ctx context.Context, runID, reason string) {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.log.WithError(err).
			WithField("run_id", runID).
			Error("Failed to load run for recomputation")

		return
	}

	if run.Status == store.RunStatusCompleted {
		return
	}

	checked, err := s.store.ListWorkerChecks(ctx, runID)
	if err != nil {
		s.log.WithError(err).
			WithField("run_id", runID).
			Error("Failed to list checks for recomputation")

		return
	}

	applyAggregates(run, checked)

	completed := run.CompletedWorkers == run.TotalWorkers
	now := time.Now().UTC()

	if completed {
		run.Status = store.RunStatusCompleted
		run.CompletedAt = &now

		s.attachRunAnalysis(ctx, run, checked)
	}

	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.log.WithError(err).
			WithField("run_id", runID).
			Error("Failed to persist run aggregates")

		return
	}

	if !completed {
		s.broadcaster.Publish(broadcast.Event{
			Type:      broadcast.EventRunUpdated,
			RunID:     run.ID,
			Timestamp: now,
			Payload:   runSnapshot(run),
		})

		return
	}

	s.finalizeRun(ctx, run, reason)
}

// applyAggregates recomputes the run counters and overall score from
// the children. Failed children contribute a score of zero.
func applyAggregates(run *store.Run, checked []store.WorkerCheck) {
	var (
		completedCount int
		passedCount    int
		failedCount    int
		scoreSum       float64
	)

	for i := range checked {
		check := &checked[i]

		if store.IsTerminalCheckStatus(check.Status) {
			completedCount++
		}

		switch check.OverallStatus {
		case store.OverallHealthy, store.OverallDegraded:
			passedCount++
		case store.OverallUnhealthy, store.OverallCritical:
			failedCount++
		default:
			if check.Status == store.CheckStatusFailed {
				failedCount++
			}
		}

		if check.Status == store.CheckStatusCompleted &&
			check.HealthScore != nil {
			scoreSum += *check.HealthScore
		}
	}

	run.CompletedWorkers = completedCount
	run.PassedWorkers = passedCount
	run.FailedWorkers = failedCount

	if completedCount > 0 {
		run.OverallHealthScore = scoreSum / float64(completedCount)
	} else {
		run.OverallHealthScore = 0
	}
}

// finalizeRun emits the completion side effects: audit entry,
// completion event, and metrics. The run is already persisted.
func (s *service) finalizeRun(
	ctx context.Context, run *store.Run, reason string,
) {
	metrics.RunsCompletedTotal.WithLabelValues(reason).Inc()

	if run.CompletedAt != nil {
		metrics.RunDurationSeconds.Observe(
			run.CompletedAt.Sub(run.CreatedAt).Seconds(),
		)
	}

	detail := fmt.Sprintf(
		"total=%d passed=%d failed=%d score=%.4f",
		run.TotalWorkers, run.PassedWorkers,
		run.FailedWorkers, run.OverallHealthScore,
	)

	if err := s.store.CreateAuditLog(ctx, &store.AuditLog{
		RunID:  run.ID,
		Event:  "run_completed",
		Detail: detail,
	}); err != nil {
		s.log.WithError(err).
			WithField("run_id", run.ID).
			Warn("Failed to write audit log entry")
	}

	s.broadcaster.Publish(broadcast.Event{
		Type:      broadcast.EventRunCompleted,
		RunID:     run.ID,
		Timestamp: time.Now().UTC(),
		Payload:   runSnapshot(run),
	})

	s.releaseRunLock(run.ID)

	s.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"reason": reason,
		"detail": detail,
	}).Info("Run completed")
}

// attachRunAnalysis requests run-level analysis from the collaborator,
// degrading to placeholder text so completion never depends on it.
func (s *service) attachRunAnalysis(
	ctx context.Context, run *store.Run, checked []store.WorkerCheck,
) {
	summary := analysis.RunSummary{
		RunID:              run.ID,
		TriggerType:        run.TriggerType,
		TotalWorkers:       run.TotalWorkers,
		CompletedWorkers:   run.CompletedWorkers,
		PassedWorkers:      run.PassedWorkers,
		FailedWorkers:      run.FailedWorkers,
		OverallHealthScore: run.OverallHealthScore,
		Workers:            make([]analysis.WorkerSummary, 0, len(checked)),
	}

	for i := range checked {
		check := &checked[i]

		score := 0.0
		if check.HealthScore != nil {
			score = *check.HealthScore
		}

		summary.Workers = append(summary.Workers, analysis.WorkerSummary{
			WorkerName:    check.WorkerName,
			WorkerType:    check.WorkerType,
			Status:        check.Status,
			OverallStatus: check.OverallStatus,
			HealthScore:   score,
			TestsTotal: check.UnitTotal + check.PerformanceTotal +
				check.IntegrationTotal,
			TestsPassed: check.UnitPassed + check.PerformancePassed +
				check.IntegrationPassed,
			TestsFailed: check.UnitFailed + check.PerformanceFailed +
				check.IntegrationFailed,
			ErrorMessage: check.ErrorMessage,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, analysisCallTimeout)
	defer cancel()

	result, err := s.analyzer.AnalyzeRun(callCtx, summary)
	if err != nil {
		s.log.WithError(err).
			WithField("run_id", run.ID).
			Warn("Run analysis failed, storing placeholder")

		run.AIAnalysis = analysis.PlaceholderAnalysis
		run.AIRecommendations = analysis.PlaceholderRecommendations

		return
	}

	run.AIAnalysis = result.Analysis
	run.AIRecommendations = result.Recommendations
}
