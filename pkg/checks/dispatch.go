package checks

import (
	"context"
	"time"

	"github.com/ethpandaops/healthoor/pkg/broadcast"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/ethpandaops/healthoor/pkg/metrics"
	"github.com/ethpandaops/healthoor/pkg/worker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// dispatchRun fans out to every child check with bounded concurrency so
// wall-clock cost tracks the slowest single dispatch, not the sum. A
// failed dispatch marks only its own check failed and feeds the
// completion tracker; it never aborts or delays the rest of the group.
func (s *service) dispatchRun(
	ctx context.Context,
	run *store.Run,
	checked []*store.WorkerCheck,
	categories []string,
) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Checks.DispatchConcurrency)

	requestTimeout := s.cfg.Checks.DispatchEvery()

	for _, check := range checked {
		g.Go(func() error {
			select {
			case <-s.done:
				return nil
			default:
			}

			s.dispatchOne(gCtx, run, check, categories, requestTimeout)

			// Dispatch failures are recorded per check; returning nil
			// keeps the group (and the other workers) going.
			return nil
		})
	}

	_ = g.Wait()

	s.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"workers": len(checked),
	}).Debug("Dispatch fan-out finished")
}

// dispatchOne marks a single check running and hands it to the worker
// client. Rejection or unreachability fails the check in place.
func (s *service) dispatchOne(
	ctx context.Context,
	run *store.Run,
	check *store.WorkerCheck,
	categories []string,
	requestTimeout time.Duration,
) {
	now := time.Now().UTC()

	if err := s.store.MarkCheckRunning(ctx, check.ID, now); err != nil {
		s.log.WithError(err).
			WithField("worker_check_id", check.ID).
			Error("Failed to mark check running")
	}

	target := fleetWorkerFromCheck(check)

	err := s.client.Dispatch(ctx, target, worker.DispatchRequest{
		WorkerCheckID:  check.ID,
		CallbackURL:    s.callbackURL,
		Categories:     categories,
		TimeoutSeconds: int(requestTimeout.Seconds()),
	})
	if err == nil {
		metrics.DispatchesTotal.WithLabelValues("accepted").Inc()

		return
	}

	metrics.DispatchesTotal.WithLabelValues("failed").Inc()

	s.log.WithError(err).WithFields(logrus.Fields{
		"run_id": run.ID,
		"worker": check.WorkerName,
	}).Warn("Dispatch failed, marking check failed")

	failedAt := time.Now().UTC()

	transitioned, ferr := s.store.FailWorkerCheck(
		ctx, check.ID, err.Error(), failedAt,
	)
	if ferr != nil {
		s.log.WithError(ferr).
			WithField("worker_check_id", check.ID).
			Error("Failed to record dispatch failure")

		return
	}

	if !transitioned {
		return
	}

	s.broadcaster.Publish(broadcast.Event{
		Type:      broadcast.EventCheckFailed,
		RunID:     run.ID,
		Timestamp: failedAt,
		Payload: map[string]any{
			"worker_name": check.WorkerName,
			"error":       err.Error(),
		},
	})

	// A dispatch failure is a terminal child state, so the run's
	// aggregates move too.
	s.recomputeRun(ctx, run.ID, "dispatch_failure")
}

// fleetWorkerFromCheck rebuilds the dispatch target from the persisted
// check so dispatch does not depend on registry mutations mid-run.
func fleetWorkerFromCheck(check *store.WorkerCheck) fleet.Worker {
	return fleet.Worker{
		Name:    check.WorkerName,
		Type:    check.WorkerType,
		Address: check.TargetDescriptor,
	}
}
