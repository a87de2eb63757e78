// Package checks is the fleet health-verification core: it creates
// runs, fans out check dispatches to every selected worker, ingests
// their asynchronously arriving results, keeps run aggregates
// consistent under concurrent callbacks, and reclaims runs whose
// workers never report.
package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/healthoor/pkg/analysis"
	"github.com/ethpandaops/healthoor/pkg/broadcast"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/ethpandaops/healthoor/pkg/config"
	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/ethpandaops/healthoor/pkg/metrics"
	"github.com/ethpandaops/healthoor/pkg/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// callbackPath is where workers deliver their results.
const callbackPath = "/api/v1/callbacks/results"

// analysisCallTimeout bounds best-effort analysis collaborator calls.
const analysisCallTimeout = 30 * time.Second

var (
	// ErrEmptyFleet is returned when run creation resolves no workers.
	ErrEmptyFleet = errors.New("no workers match the requested filters")

	// ErrCheckNotFound is returned for callbacks with an unknown id.
	ErrCheckNotFound = errors.New("worker check not found")

	// ErrRunNotFound is returned for queries on an unknown run.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunCompleted is returned when cancelling a finished run.
	ErrRunCompleted = errors.New("run already completed")

	// ErrInvalidResult is returned for malformed callback payloads.
	ErrInvalidResult = errors.New("invalid worker result")
)

// CreateRunInput describes one requested verification cycle. Zero
// values fall back to the configured defaults.
type CreateRunInput struct {
	TriggerType    string
	TriggerSource  string
	TimeoutMinutes int
	WorkerNames    []string
	WorkerTypes    []string
	Categories     []string
}

// RunStatus is a run together with its ordered children.
type RunStatus struct {
	Run    *store.Run          `json:"run"`
	Checks []store.WorkerCheck `json:"checks"`
}

// Service is the health-verification core.
type Service interface {
	Start(ctx context.Context) error
	Stop() error

	CreateRun(ctx context.Context, input CreateRunInput) (*store.Run, error)
	CancelRun(ctx context.Context, runID string) error
	IngestResult(
		ctx context.Context, workerCheckID string, result WorkerResult,
	) error

	GetStatus(ctx context.Context, runID string) (*RunStatus, error)
	ListHistory(
		ctx context.Context, page, limit int, triggerType string,
	) ([]store.Run, int64, error)
	GetLatestResult(
		ctx context.Context, workerName string,
	) (*store.WorkerCheck, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	store       store.Store
	registry    *fleet.Registry
	client      worker.Client
	analyzer    analysis.Analyzer
	broadcaster broadcast.Broadcaster

	callbackURL string

	// runLocks serializes aggregate recomputation per run so
	// concurrent callbacks never lose updates. Different runs never
	// contend.
	locksMu  sync.Mutex
	runLocks map[string]*sync.Mutex

	schedMu          sync.Mutex
	lastScheduledRun string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates the health-verification core.
func NewService(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	registry *fleet.Registry,
	client worker.Client,
	analyzer analysis.Analyzer,
	broadcaster broadcast.Broadcaster,
) Service {
	publicURL := cfg.Server.PublicURL
	if publicURL == "" {
		publicURL = "http://localhost" + cfg.Server.Listen
	}

	return &service{
		log:         log.WithField("component", "checks"),
		cfg:         cfg,
		store:       st,
		registry:    registry,
		client:      client,
		analyzer:    analyzer,
		broadcaster: broadcaster,
		callbackURL: strings.TrimSuffix(publicURL, "/") + callbackPath,
		runLocks:    make(map[string]*sync.Mutex),
		done:        make(chan struct{}),
	}
}

// Start launches the timeout sweeper and, when configured, the cron
// schedule loop.
func (s *service) Start(ctx context.Context) error {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.Checks.SweepEvery())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweepPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.cfg.Checks.Schedule.Enabled {
		interval, err := time.ParseDuration(s.cfg.Checks.Schedule.Interval)
		if err != nil {
			return fmt.Errorf("parsing schedule interval: %w", err)
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					s.scheduledRun(ctx)
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()

		s.log.WithField("interval", interval.String()).
			Info("Scheduled runs enabled")
	}

	s.log.WithFields(logrus.Fields{
		"fleet_size":     len(s.registry.List()),
		"sweep_interval": s.cfg.Checks.SweepInterval,
	}).Info("Health check service started")

	return nil
}

// Stop signals background loops to stop and waits for in-flight
// dispatch fan-outs to drain.
func (s *service) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Health check service stopped")

	return nil
}

// CreateRun resolves the target worker set, persists the run with one
// pending child per worker in a single transaction, and kicks off the
// dispatch fan-out.
func (s *service) CreateRun(
	ctx context.Context, input CreateRunInput,
) (*store.Run, error) {
	if input.TriggerType == "" {
		input.TriggerType = store.TriggerOnDemand
	}

	if input.TimeoutMinutes <= 0 {
		input.TimeoutMinutes = s.cfg.Checks.TimeoutMinutes
	}

	if len(input.Categories) == 0 {
		input.Categories = s.cfg.Checks.Categories
	}

	targets := s.registry.Resolve(input.WorkerNames, input.WorkerTypes)
	if len(targets) == 0 {
		return nil, fmt.Errorf(
			"%w: names=%v types=%v",
			ErrEmptyFleet, input.WorkerNames, input.WorkerTypes,
		)
	}

	now := time.Now().UTC()
	timeout := time.Duration(input.TimeoutMinutes) * time.Minute

	run := &store.Run{
		ID:            uuid.NewString(),
		TriggerType:   input.TriggerType,
		TriggerSource: input.TriggerSource,
		Status:        store.RunStatusRunning,
		TotalWorkers:  len(targets),
		TimeoutAt:     now.Add(timeout),
		CreatedAt:     now,
	}

	checked := make([]*store.WorkerCheck, 0, len(targets))
	for _, target := range targets {
		checked = append(checked, &store.WorkerCheck{
			ID:               uuid.NewString(),
			RunID:            run.ID,
			WorkerName:       target.Name,
			WorkerType:       target.Type,
			TargetDescriptor: target.Address,
			Status:           store.CheckStatusPending,
			CreatedAt:        now,
		})
	}

	if err := s.store.CreateRunWithChecks(ctx, run, checked); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	metrics.RunsCreatedTotal.WithLabelValues(run.TriggerType).Inc()

	s.broadcaster.Publish(broadcast.Event{
		Type:      broadcast.EventRunStarted,
		RunID:     run.ID,
		Timestamp: now,
		Payload:   runSnapshot(run),
	})

	s.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"trigger": run.TriggerType,
		"workers": run.TotalWorkers,
	}).Info("Run created")

	// Fan out in the background; the run's deadline bounds the work.
	dispatchCtx, cancel := context.WithDeadline(
		context.Background(), run.TimeoutAt,
	)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		s.dispatchRun(dispatchCtx, run, checked, input.Categories)
	}()

	return run, nil
}

// CancelRun marks the run completed immediately, force-failing every
// non-terminal child through the same path the sweeper uses.
func (s *service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}

		return err
	}

	if run.Status == store.RunStatusCompleted {
		return ErrRunCompleted
	}

	s.log.WithField("run_id", runID).Info("Run cancelled by operator")

	return s.forceCompleteRun(ctx, runID, "cancelled", "cancel")
}

// GetStatus returns a run and its children ordered by worker name.
func (s *service) GetStatus(
	ctx context.Context, runID string,
) (*RunStatus, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}

		return nil, err
	}

	checked, err := s.store.ListWorkerChecks(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &RunStatus{Run: run, Checks: checked}, nil
}

// ListHistory returns paginated run summaries ordered by creation time
// descending.
func (s *service) ListHistory(
	ctx context.Context, page, limit int, triggerType string,
) ([]store.Run, int64, error) {
	return s.store.ListRuns(ctx, page, limit, triggerType)
}

// GetLatestResult returns the most recent completed check for a worker
// across all runs.
func (s *service) GetLatestResult(
	ctx context.Context, workerName string,
) (*store.WorkerCheck, error) {
	check, err := s.store.LatestCompletedCheck(ctx, workerName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCheckNotFound
		}

		return nil, err
	}

	return check, nil
}

// scheduledRun creates a cron-triggered run unless the previous
// scheduled run is still in flight.
func (s *service) scheduledRun(ctx context.Context) {
	s.schedMu.Lock()
	lastID := s.lastScheduledRun
	s.schedMu.Unlock()

	if lastID != "" {
		last, err := s.store.GetRun(ctx, lastID)
		if err == nil && last.Status == store.RunStatusRunning {
			s.log.WithField("run_id", lastID).
				Info("Skipping scheduled run, previous run still in flight")

			return
		}
	}

	run, err := s.CreateRun(ctx, CreateRunInput{
		TriggerType:   store.TriggerCron,
		TriggerSource: "schedule",
	})
	if err != nil {
		s.log.WithError(err).Warn("Failed to create scheduled run")

		return
	}

	s.schedMu.Lock()
	s.lastScheduledRun = run.ID
	s.schedMu.Unlock()
}

// runLock returns the mutex serializing recomputation for one run.
func (s *service) runLock(runID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[runID] = lock
	}

	return lock
}

// releaseRunLock drops the lock entry for a finalized run.
func (s *service) releaseRunLock(runID string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	delete(s.runLocks, runID)
}

// runSnapshot is the aggregate view pushed to broadcast subscribers.
func runSnapshot(run *store.Run) map[string]any {
	return map[string]any{
		"status":               run.Status,
		"trigger_type":         run.TriggerType,
		"total_workers":        run.TotalWorkers,
		"completed_workers":    run.CompletedWorkers,
		"passed_workers":       run.PassedWorkers,
		"failed_workers":       run.FailedWorkers,
		"overall_health_score": run.OverallHealthScore,
	}
}
