package checks

import (
	"context"
	"time"

	"github.com/ethpandaops/healthoor/pkg/broadcast"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/ethpandaops/healthoor/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// sweepPass reclaims runs whose deadline has passed while children
// never reported. Without it a worker that crashes before calling back
// would leave its run stuck forever.
func (s *service) sweepPass(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.store.ListExpiredRunning(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("Timeout sweep failed to list runs")

		return
	}

	for _, run := range expired {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.log.WithFields(logrus.Fields{
			"run_id":     run.ID,
			"timeout_at": run.TimeoutAt,
		}).Info("Sweeping timed-out run")

		if err := s.forceCompleteRun(ctx, run.ID, "timeout", "sweep"); err != nil {
			s.log.WithError(err).
				WithField("run_id", run.ID).
				Warn("Failed to sweep run")
		}
	}
}

// forceCompleteRun fails every non-terminal child with the given
// message and feeds the completion tracker, exactly as a callback
// would. Shared by the sweeper and operator cancellation.
func (s *service) forceCompleteRun(
	ctx context.Context, runID, message, reason string,
) error {
	checked, err := s.store.ListWorkerChecks(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for i := range checked {
		check := &checked[i]

		if store.IsTerminalCheckStatus(check.Status) {
			continue
		}

		transitioned, err := s.store.FailWorkerCheck(
			ctx, check.ID, message, now,
		)
		if err != nil {
			s.log.WithError(err).
				WithField("worker_check_id", check.ID).
				Warn("Failed to force-fail check")

			continue
		}

		if !transitioned {
			// A callback landed between the list and the update.
			continue
		}

		if reason == "sweep" {
			metrics.SweepForcedChecksTotal.Inc()
		}

		s.broadcaster.Publish(broadcast.Event{
			Type:      broadcast.EventCheckFailed,
			RunID:     runID,
			Timestamp: now,
			Payload: map[string]any{
				"worker_name": check.WorkerName,
				"error":       message,
			},
		})
	}

	s.recomputeRun(ctx, runID, reason)

	return nil
}
