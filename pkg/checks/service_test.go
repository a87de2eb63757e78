package checks_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/healthoor/pkg/analysis"
	"github.com/ethpandaops/healthoor/pkg/broadcast"
	"github.com/ethpandaops/healthoor/pkg/checks"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/ethpandaops/healthoor/pkg/config"
	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/ethpandaops/healthoor/pkg/worker"
)

// fakeClient records dispatches and optionally rejects some workers.
type fakeClient struct {
	mu         sync.Mutex
	dispatched []worker.DispatchRequest
	failFor    map[string]bool
}

func (c *fakeClient) Dispatch(
	_ context.Context, target fleet.Worker, req worker.DispatchRequest,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failFor[target.Name] {
		return fmt.Errorf("worker %s unreachable", target.Name)
	}

	c.dispatched = append(c.dispatched, req)

	return nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.dispatched)
}

// recordingBroadcaster collects published events.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (b *recordingBroadcaster) Publish(event broadcast.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) byType(eventType string) []broadcast.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []broadcast.Event

	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}

	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Listen: ":0",
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		Fleet: config.FleetConfig{
			Workers: []config.WorkerConfig{
				{Name: "alpha", Type: "factory", Address: "http://alpha:9090"},
				{Name: "beta", Type: "specialist", Address: "http://beta:9090"},
				{Name: "gamma", Type: "factory", Address: "http://gamma:9090"},
			},
		},
		Checks: config.ChecksConfig{
			TimeoutMinutes:      10,
			SweepInterval:       "10ms",
			DispatchConcurrency: 2,
			DispatchTimeout:     "1s",
			Categories:          config.DefaultCategories,
		},
	}
}

type testHarness struct {
	svc         checks.Service
	store       store.Store
	client      *fakeClient
	broadcaster *recordingBroadcaster
}

func setupService(t *testing.T, client *fakeClient) *testHarness {
	t.Helper()

	cfg := testConfig()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	registry, err := fleet.NewRegistry(&cfg.Fleet)
	require.NoError(t, err)

	broadcaster := &recordingBroadcaster{}

	svc := checks.NewService(
		log, cfg, st, registry, client,
		analysis.NewDisabledAnalyzer(), broadcaster,
	)

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })

	return &testHarness{
		svc:         svc,
		store:       st,
		client:      client,
		broadcaster: broadcaster,
	}
}

func score(v float64) *float64 {
	return &v
}

func healthyResult(v float64) checks.WorkerResult {
	return checks.WorkerResult{
		OverallStatus: store.OverallHealthy,
		HealthScore:   score(v),
		Connectivity: checks.Connectivity{
			Orchestrator: true,
			ExternalAPI:  true,
			Database:     true,
		},
		Tests: map[string][]checks.TestResult{
			"unit": {
				{Name: "startup", Status: "passed"},
				{Name: "config", Status: "passed"},
			},
		},
	}
}

// waitForDispatch waits until the background fan-out has moved the
// expected number of checks out of pending.
func waitForDispatch(t *testing.T, h *testHarness, runID string, want int) []store.WorkerCheck {
	t.Helper()

	var checked []store.WorkerCheck

	require.Eventually(t, func() bool {
		var err error

		checked, err = h.store.ListWorkerChecks(context.Background(), runID)
		if err != nil {
			return false
		}

		terminalOrRunning := 0

		for _, c := range checked {
			if c.Status != store.CheckStatusPending {
				terminalOrRunning++
			}
		}

		return terminalOrRunning == want
	}, 2*time.Second, 5*time.Millisecond)

	return checked
}

func checkByWorker(checked []store.WorkerCheck, name string) *store.WorkerCheck {
	for i := range checked {
		if checked[i].WorkerName == name {
			return &checked[i]
		}
	}

	return nil
}

func TestService_RunLifecycleWithTimeout(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{
		TriggerSource: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, store.TriggerOnDemand, run.TriggerType)
	assert.Equal(t, 3, run.TotalWorkers)
	assert.Equal(t, store.RunStatusRunning, run.Status)

	started := h.broadcaster.byType(broadcast.EventRunStarted)
	require.Len(t, started, 1)
	assert.Equal(t, run.ID, started[0].RunID)

	checked := waitForDispatch(t, h, run.ID, 3)
	assert.Equal(t, 3, client.count())

	// Two workers report back, one never does.
	alpha := checkByWorker(checked, "alpha")
	beta := checkByWorker(checked, "beta")
	require.NotNil(t, alpha)
	require.NotNil(t, beta)

	require.NoError(t, h.svc.IngestResult(ctx, alpha.ID, healthyResult(0.90)))

	degraded := healthyResult(0.80)
	degraded.OverallStatus = store.OverallDegraded
	require.NoError(t, h.svc.IngestResult(ctx, beta.ID, degraded))

	current, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, current.Status)
	assert.Equal(t, 2, current.CompletedWorkers)
	assert.Equal(t, 2, current.PassedWorkers)
	assert.Equal(t, 0, current.FailedWorkers)

	// Expire the run so the sweeper reclaims the silent worker.
	current.TimeoutAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, h.store.UpdateRun(ctx, current))

	require.Eventually(t, func() bool {
		final, gerr := h.store.GetRun(ctx, run.ID)

		return gerr == nil && final.Status == store.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.CompletedWorkers)
	assert.Equal(t, 2, final.PassedWorkers)
	assert.Equal(t, 1, final.FailedWorkers)

	// The silent worker counts as zero: (0.90 + 0.80 + 0) / 3.
	assert.InDelta(t, 0.5667, final.OverallHealthScore, 0.0001)
	require.NotNil(t, final.CompletedAt)

	// Analysis collaborator is disabled, so placeholders are stored.
	assert.Equal(t, analysis.PlaceholderAnalysis, final.AIAnalysis)
	assert.Equal(t, analysis.PlaceholderRecommendations, final.AIRecommendations)

	gamma, err := h.store.GetWorkerCheck(
		ctx, checkByWorker(checked, "gamma").ID,
	)
	require.NoError(t, err)
	assert.Equal(t, store.CheckStatusFailed, gamma.Status)
	assert.Equal(t, "timeout", gamma.ErrorMessage)

	entries, err := h.store.ListAuditLogs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run_completed", entries[0].Event)
	assert.Contains(t, entries[0].Detail, "passed=2")

	completedEvents := h.broadcaster.byType(broadcast.EventRunCompleted)
	assert.Len(t, completedEvents, 1)
}

func TestService_DuplicateCallbackIsNoOp(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{
		WorkerNames: []string{"alpha"},
	})
	require.NoError(t, err)

	checked := waitForDispatch(t, h, run.ID, 1)
	id := checked[0].ID

	require.NoError(t, h.svc.IngestResult(ctx, id, healthyResult(0.90)))

	// The conflicting replay succeeds but changes nothing.
	conflicting := healthyResult(0.10)
	conflicting.OverallStatus = store.OverallCritical
	require.NoError(t, h.svc.IngestResult(ctx, id, conflicting))

	check, err := h.store.GetWorkerCheck(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OverallHealthy, check.OverallStatus)
	require.NotNil(t, check.HealthScore)
	assert.InDelta(t, 0.90, *check.HealthScore, 0.0001)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
	assert.Equal(t, 1, final.CompletedWorkers)
	assert.Equal(t, 1, final.PassedWorkers)
	assert.InDelta(t, 0.90, final.OverallHealthScore, 0.0001)
}

func TestService_DispatchFailureIsolated(t *testing.T) {
	client := &fakeClient{failFor: map[string]bool{"beta": true}}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{})
	require.NoError(t, err)

	checked := waitForDispatch(t, h, run.ID, 3)

	beta, err := h.store.GetWorkerCheck(
		ctx, checkByWorker(checked, "beta").ID,
	)
	require.NoError(t, err)
	assert.Equal(t, store.CheckStatusFailed, beta.Status)
	assert.Contains(t, beta.ErrorMessage, "unreachable")

	// The failure moved the aggregates but the run keeps going.
	current, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, current.Status)
	assert.Equal(t, 1, current.CompletedWorkers)
	assert.Equal(t, 1, current.FailedWorkers)

	// The surviving workers report and the run completes normally.
	require.NoError(t, h.svc.IngestResult(
		ctx, checkByWorker(checked, "alpha").ID, healthyResult(1.0),
	))
	require.NoError(t, h.svc.IngestResult(
		ctx, checkByWorker(checked, "gamma").ID, healthyResult(0.5),
	))

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
	assert.Equal(t, 2, final.PassedWorkers)
	assert.Equal(t, 1, final.FailedWorkers)
	assert.InDelta(t, 0.5, final.OverallHealthScore, 0.0001)

	failedEvents := h.broadcaster.byType(broadcast.EventCheckFailed)
	require.Len(t, failedEvents, 1)
}

func TestService_EmptyFleetSelection(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	_, err := h.svc.CreateRun(ctx, checks.CreateRunInput{
		WorkerNames: []string{"does-not-exist"},
	})
	require.ErrorIs(t, err, checks.ErrEmptyFleet)

	// Nothing was persisted and nothing was dispatched.
	runs, total, err := h.svc.ListHistory(ctx, 1, 10, "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	assert.Empty(t, runs)
	assert.Equal(t, 0, client.count())
}

func TestService_TypeFilterSelectsSubset(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{
		WorkerTypes: []string{"specialist"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.TotalWorkers)

	checked := waitForDispatch(t, h, run.ID, 1)
	assert.Equal(t, "beta", checked[0].WorkerName)
}

func TestService_CancelRun(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{})
	require.NoError(t, err)

	waitForDispatch(t, h, run.ID, 3)

	require.NoError(t, h.svc.CancelRun(ctx, run.ID))

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
	assert.Equal(t, 3, final.FailedWorkers)
	assert.InDelta(t, 0, final.OverallHealthScore, 0.0001)

	checked, err := h.store.ListWorkerChecks(ctx, run.ID)
	require.NoError(t, err)

	for _, c := range checked {
		assert.Equal(t, store.CheckStatusFailed, c.Status)
		assert.Equal(t, "cancelled", c.ErrorMessage)
	}

	// Cancelling again or cancelling the unknown is rejected.
	require.ErrorIs(t, h.svc.CancelRun(ctx, run.ID), checks.ErrRunCompleted)
	require.ErrorIs(t, h.svc.CancelRun(ctx, "missing"), checks.ErrRunNotFound)
}

func TestService_IngestValidation(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{
		WorkerNames: []string{"alpha"},
	})
	require.NoError(t, err)

	checked := waitForDispatch(t, h, run.ID, 1)
	id := checked[0].ID

	bad := healthyResult(0.9)
	bad.OverallStatus = "sideways"
	require.ErrorIs(t, h.svc.IngestResult(ctx, id, bad), checks.ErrInvalidResult)

	bad = healthyResult(1.5)
	require.ErrorIs(t, h.svc.IngestResult(ctx, id, bad), checks.ErrInvalidResult)

	bad = healthyResult(0.9)
	bad.Tests = map[string][]checks.TestResult{
		"chaos": {{Name: "x", Status: "passed"}},
	}
	require.ErrorIs(t, h.svc.IngestResult(ctx, id, bad), checks.ErrInvalidResult)

	// Rejected payloads leave the check untouched.
	check, err := h.store.GetWorkerCheck(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CheckStatusRunning, check.Status)

	// Unknown check ids are reported distinctly so workers can stop
	// retrying.
	err = h.svc.IngestResult(ctx, "missing", healthyResult(0.9))
	require.ErrorIs(t, err, checks.ErrCheckNotFound)
}

func TestService_CategoryTotalsPersisted(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{
		WorkerNames: []string{"alpha"},
	})
	require.NoError(t, err)

	checked := waitForDispatch(t, h, run.ID, 1)
	id := checked[0].ID

	result := healthyResult(0.75)
	result.Tests = map[string][]checks.TestResult{
		"unit": {
			{Name: "a", Status: "passed"},
			{Name: "b", Status: "failed", Error: "boom"},
		},
		"performance": {
			{Name: "p50", Status: "passed", DurationMS: 12.5},
		},
		"integration": {},
	}
	result.Warnings = []string{"clock skew detected"}

	require.NoError(t, h.svc.IngestResult(ctx, id, result))

	check, err := h.store.GetWorkerCheck(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, check.UnitTotal)
	assert.Equal(t, 1, check.UnitPassed)
	assert.Equal(t, 1, check.UnitFailed)
	assert.Equal(t, 1, check.PerformanceTotal)
	assert.Equal(t, 1, check.PerformancePassed)
	assert.Equal(t, 0, check.IntegrationTotal)
	assert.Contains(t, check.WarningsJSON, "clock skew")
	assert.True(t, check.ConnOrchestrator)

	// Worker analysis degrades to a placeholder with no collaborator.
	assert.Equal(t, analysis.PlaceholderWorkerAnalysis, check.AIWorkerAnalysis)
}

func TestService_GetStatusAndLatest(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{})
	require.NoError(t, err)

	checked := waitForDispatch(t, h, run.ID, 3)

	status, err := h.svc.GetStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, status.Run.ID)
	require.Len(t, status.Checks, 3)
	assert.Equal(t, "alpha", status.Checks[0].WorkerName)
	assert.Equal(t, "beta", status.Checks[1].WorkerName)
	assert.Equal(t, "gamma", status.Checks[2].WorkerName)

	_, err = h.svc.GetStatus(ctx, "missing")
	require.ErrorIs(t, err, checks.ErrRunNotFound)

	// No completed check yet for alpha.
	_, err = h.svc.GetLatestResult(ctx, "alpha")
	require.ErrorIs(t, err, checks.ErrCheckNotFound)

	alpha := checkByWorker(checked, "alpha")
	require.NoError(t, h.svc.IngestResult(ctx, alpha.ID, healthyResult(0.9)))

	latest, err := h.svc.GetLatestResult(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, alpha.ID, latest.ID)
	assert.Equal(t, store.OverallHealthy, latest.OverallStatus)
}

// blockingClient stalls every dispatch until released and records the
// peak number of in-flight dispatches.
type blockingClient struct {
	mu       sync.Mutex
	inflight int
	peak     int
	release  chan struct{}
}

func (c *blockingClient) Dispatch(
	ctx context.Context, _ fleet.Worker, _ worker.DispatchRequest,
) error {
	c.mu.Lock()
	c.inflight++

	if c.inflight > c.peak {
		c.peak = c.inflight
	}
	c.mu.Unlock()

	select {
	case <-c.release:
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	return nil
}

func (c *blockingClient) peakInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peak
}

func TestService_DispatchConcurrencyBounded(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}

	cfg := testConfig()
	cfg.Checks.DispatchConcurrency = 2

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	registry, err := fleet.NewRegistry(&cfg.Fleet)
	require.NoError(t, err)

	svc := checks.NewService(
		log, cfg, st, registry, client,
		analysis.NewDisabledAnalyzer(), &recordingBroadcaster{},
	)

	run, err := svc.CreateRun(context.Background(), checks.CreateRunInput{})
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalWorkers)

	// With both slots stalled the third dispatch has to queue.
	require.Eventually(t, func() bool {
		return client.peakInflight() == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(client.release)
	require.NoError(t, svc.Stop())

	// The group never exceeded the configured limit.
	assert.Equal(t, 2, client.peakInflight())
}

func TestService_ConcurrentCallbacksSingleWinner(t *testing.T) {
	client := &fakeClient{}
	h := setupService(t, client)
	ctx := context.Background()

	run, err := h.svc.CreateRun(ctx, checks.CreateRunInput{
		WorkerNames: []string{"alpha"},
	})
	require.NoError(t, err)

	checked := waitForDispatch(t, h, run.ID, 1)
	id := checked[0].ID

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = h.svc.IngestResult(ctx, id, healthyResult(0.9))
		}()
	}

	wg.Wait()

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
	assert.Equal(t, 1, final.CompletedWorkers)
	assert.Equal(t, 1, final.PassedWorkers)
	assert.InDelta(t, 0.9, final.OverallHealthScore, 0.0001)
}
