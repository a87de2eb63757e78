package store

import (
	"time"
)

// Run trigger types.
const (
	TriggerOnDemand = "on_demand"
	TriggerCron     = "cron"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
)

// WorkerCheck statuses. Completed and failed are terminal.
const (
	CheckStatusPending   = "pending"
	CheckStatusRunning   = "running"
	CheckStatusCompleted = "completed"
	CheckStatusFailed    = "failed"
)

// Worker-reported overall statuses.
const (
	OverallHealthy   = "healthy"
	OverallDegraded  = "degraded"
	OverallUnhealthy = "unhealthy"
	OverallCritical  = "critical"
)

// nonTerminalCheckStatuses are the check statuses that may still change.
var nonTerminalCheckStatuses = []string{
	CheckStatusPending,
	CheckStatusRunning,
}

// IsTerminalCheckStatus reports whether a check status accepts no
// further mutation.
func IsTerminalCheckStatus(status string) bool {
	return status == CheckStatusCompleted || status == CheckStatusFailed
}

// Run is one fleet-wide health verification cycle.
type Run struct {
	ID                 string     `gorm:"primaryKey" json:"id"`
	TriggerType        string     `gorm:"not null;index" json:"trigger_type"`
	TriggerSource      string     `json:"trigger_source"`
	Status             string     `gorm:"not null;index" json:"status"`
	TotalWorkers       int        `gorm:"not null" json:"total_workers"`
	CompletedWorkers   int        `gorm:"not null" json:"completed_workers"`
	PassedWorkers      int        `gorm:"not null" json:"passed_workers"`
	FailedWorkers      int        `gorm:"not null" json:"failed_workers"`
	OverallHealthScore float64    `gorm:"not null" json:"overall_health_score"`
	AIAnalysis         string     `json:"ai_analysis"`
	AIRecommendations  string     `json:"ai_recommendations"`
	TimeoutAt          time.Time  `gorm:"not null;index" json:"timeout_at"`
	CreatedAt          time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at"`
}

// WorkerCheck is the state of a single worker's participation in a Run.
// It belongs exclusively to one Run and is deleted with it.
type WorkerCheck struct {
	ID               string `gorm:"primaryKey" json:"id"`
	RunID            string `gorm:"not null;index" json:"run_id"`
	WorkerName       string `gorm:"not null;index" json:"worker_name"`
	WorkerType       string `gorm:"not null" json:"worker_type"`
	TargetDescriptor string `json:"target_descriptor"`
	Status           string `gorm:"not null;index" json:"status"`

	// Worker-reported outcome, empty/nil until a result arrives.
	OverallStatus string   `json:"overall_status"`
	HealthScore   *float64 `json:"health_score"`

	// Connectivity flags reported by the worker.
	ConnOrchestrator bool `json:"conn_orchestrator"`
	ConnExternalAPI  bool `json:"conn_external_api"`
	ConnDatabase     bool `json:"conn_database"`

	// Per-category test totals.
	UnitTotal         int `json:"unit_total"`
	UnitPassed        int `json:"unit_passed"`
	UnitFailed        int `json:"unit_failed"`
	PerformanceTotal  int `json:"performance_total"`
	PerformancePassed int `json:"performance_passed"`
	PerformanceFailed int `json:"performance_failed"`
	IntegrationTotal  int `json:"integration_total"`
	IntegrationPassed int `json:"integration_passed"`
	IntegrationFailed int `json:"integration_failed"`

	RawResults       string `json:"raw_results"`
	ErrorMessage     string `json:"error_message"`
	WarningsJSON     string `json:"warnings"`
	AIWorkerAnalysis string `json:"ai_worker_analysis"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// AuditLog records one run-level event, written when a run finalizes.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     string    `gorm:"not null;index" json:"run_id"`
	Event     string    `gorm:"not null" json:"event"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
