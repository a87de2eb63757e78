package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/healthoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a run or worker check does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for runs, worker checks, and audit logs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run lifecycle.
	CreateRunWithChecks(
		ctx context.Context, run *Run, checks []*WorkerCheck,
	) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(
		ctx context.Context, page, limit int, triggerType string,
	) ([]Run, int64, error)
	ListExpiredRunning(ctx context.Context, now time.Time) ([]Run, error)

	// Worker checks.
	GetWorkerCheck(ctx context.Context, id string) (*WorkerCheck, error)
	ListWorkerChecks(ctx context.Context, runID string) ([]WorkerCheck, error)
	MarkCheckRunning(ctx context.Context, id string, at time.Time) error
	FinalizeWorkerCheck(ctx context.Context, check *WorkerCheck) (bool, error)
	FailWorkerCheck(
		ctx context.Context, id, message string, at time.Time,
	) (bool, error)
	SetWorkerAnalysis(ctx context.Context, id, analysis string) error
	LatestCompletedCheck(
		ctx context.Context, workerName string,
	) (*WorkerCheck, error)

	// Audit log.
	CreateAuditLog(ctx context.Context, entry *AuditLog) error
	ListAuditLogs(ctx context.Context, runID string) ([]AuditLog, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&WorkerCheck{},
		&AuditLog{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Runs ---

// CreateRunWithChecks persists a run and all of its child checks in a
// single transaction so partial creation is never observable.
func (s *store) CreateRunWithChecks(
	ctx context.Context, run *Run, checks []*WorkerCheck,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		for _, check := range checks {
			if err := tx.Create(check).Error; err != nil {
				return fmt.Errorf(
					"creating check for %s: %w", check.WorkerName, err,
				)
			}
		}

		return nil
	})
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

func (s *store) UpdateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return nil
}

// ListRuns returns a page of runs ordered by creation time descending,
// optionally filtered by trigger type, plus the total matching count.
func (s *store) ListRuns(
	ctx context.Context, page, limit int, triggerType string,
) ([]Run, int64, error) {
	if page < 1 {
		page = 1
	}

	if limit < 1 {
		limit = 20
	}

	q := s.db.WithContext(ctx).Model(&Run{})
	if triggerType != "" {
		q = q.Where("trigger_type = ?", triggerType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	var runs []Run
	if err := q.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}

	return runs, total, nil
}

// ListExpiredRunning returns running runs whose deadline has passed.
func (s *store) ListExpiredRunning(
	ctx context.Context, now time.Time,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status = ? AND timeout_at < ?", RunStatusRunning, now).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing expired runs: %w", err)
	}

	return runs, nil
}

// --- Worker checks ---

func (s *store) GetWorkerCheck(
	ctx context.Context, id string,
) (*WorkerCheck, error) {
	var check WorkerCheck
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&check).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting worker check: %w", err)
	}

	return &check, nil
}

// ListWorkerChecks returns a run's children ordered by worker name.
func (s *store) ListWorkerChecks(
	ctx context.Context, runID string,
) ([]WorkerCheck, error) {
	var checks []WorkerCheck
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("worker_name ASC").
		Find(&checks).Error; err != nil {
		return nil, fmt.Errorf("listing worker checks: %w", err)
	}

	return checks, nil
}

// MarkCheckRunning flips a pending check to running at dispatch time.
func (s *store) MarkCheckRunning(
	ctx context.Context, id string, at time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&WorkerCheck{}).
		Where("id = ? AND status = ?", id, CheckStatusPending).
		Updates(map[string]any{
			"status":     CheckStatusRunning,
			"started_at": at,
		}).Error; err != nil {
		return fmt.Errorf("marking check running: %w", err)
	}

	return nil
}

// FinalizeWorkerCheck persists an ingested result and flips the check to
// completed. The update is guarded on the check still being non-terminal
// so concurrent duplicate callbacks cannot overwrite a finalized result;
// the boolean reports whether this call performed the transition.
func (s *store) FinalizeWorkerCheck(
	ctx context.Context, check *WorkerCheck,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&WorkerCheck{}).
		Where("id = ? AND status IN ?", check.ID, nonTerminalCheckStatuses).
		Updates(map[string]any{
			"status":             CheckStatusCompleted,
			"overall_status":     check.OverallStatus,
			"health_score":       check.HealthScore,
			"conn_orchestrator":  check.ConnOrchestrator,
			"conn_external_api":  check.ConnExternalAPI,
			"conn_database":      check.ConnDatabase,
			"unit_total":         check.UnitTotal,
			"unit_passed":        check.UnitPassed,
			"unit_failed":        check.UnitFailed,
			"performance_total":  check.PerformanceTotal,
			"performance_passed": check.PerformancePassed,
			"performance_failed": check.PerformanceFailed,
			"integration_total":  check.IntegrationTotal,
			"integration_passed": check.IntegrationPassed,
			"integration_failed": check.IntegrationFailed,
			"raw_results":        check.RawResults,
			"error_message":      check.ErrorMessage,
			"warnings_json":      check.WarningsJSON,
			"completed_at":       check.CompletedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("finalizing worker check: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// FailWorkerCheck force-transitions a non-terminal check to failed. The
// boolean reports whether the transition happened; an already-terminal
// check is left untouched.
func (s *store) FailWorkerCheck(
	ctx context.Context, id, message string, at time.Time,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&WorkerCheck{}).
		Where("id = ? AND status IN ?", id, nonTerminalCheckStatuses).
		Updates(map[string]any{
			"status":        CheckStatusFailed,
			"error_message": message,
			"completed_at":  at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failing worker check: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// SetWorkerAnalysis stores per-worker analysis text. Analysis is
// best-effort and written after finalization, so no status guard.
func (s *store) SetWorkerAnalysis(
	ctx context.Context, id, analysis string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&WorkerCheck{}).
		Where("id = ?", id).
		Update("ai_worker_analysis", analysis).Error; err != nil {
		return fmt.Errorf("setting worker analysis: %w", err)
	}

	return nil
}

// LatestCompletedCheck returns the most recent completed check for a
// worker across all runs.
func (s *store) LatestCompletedCheck(
	ctx context.Context, workerName string,
) (*WorkerCheck, error) {
	var check WorkerCheck
	if err := s.db.WithContext(ctx).
		Where("worker_name = ? AND status = ?",
			workerName, CheckStatusCompleted).
		Order("completed_at DESC").
		First(&check).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting latest completed check: %w", err)
	}

	return &check, nil
}

// --- Audit log ---

func (s *store) CreateAuditLog(
	ctx context.Context, entry *AuditLog,
) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("creating audit log: %w", err)
	}

	return nil
}

func (s *store) ListAuditLogs(
	ctx context.Context, runID string,
) ([]AuditLog, error) {
	var entries []AuditLog
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing audit logs: %w", err)
	}

	return entries, nil
}
