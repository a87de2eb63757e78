package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/healthoor/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "healthoor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

const minimalConfig = `
fleet:
  workers:
    - name: alpha
      type: factory
      address: http://alpha:9090
    - name: beta
      type: specialist
      address: local:beta
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, config.DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, config.DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, config.DefaultTimeoutMinutes, cfg.Checks.TimeoutMinutes)
	assert.Equal(t, config.DefaultCategories, cfg.Checks.Categories)
	assert.Equal(t, config.DefaultDispatchConcurrency, cfg.Checks.DispatchConcurrency)

	assert.Equal(t, 10*time.Minute, cfg.Checks.RunTimeout())
	assert.Equal(t, 30*time.Second, cfg.Checks.SweepEvery())
	assert.Equal(t, 15*time.Second, cfg.Checks.DispatchEvery())
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
global:
  log_level: debug
server:
  listen: ":9999"
  public_url: https://healthoor.example.com
  cors_origins:
    - https://ui.example.com
  rate_limit:
    enabled: true
    callbacks:
      requests_per_minute: 600
    queries:
      requests_per_minute: 120
database:
  driver: postgres
  postgres:
    host: db.internal
    port: 5432
    user: healthoor
    password: secret
    database: healthoor
    ssl_mode: require
fleet:
  workers:
    - name: alpha
      type: factory
      address: http://alpha:9090
checks:
  timeout_minutes: 5
  sweep_interval: 10s
  dispatch_concurrency: 4
  dispatch_timeout: 5s
  categories:
    - unit
    - integration
  schedule:
    enabled: true
    interval: 15m
analysis:
  enabled: true
  url: http://analyzer:8000
broadcast:
  enabled: true
  webhook_url: https://hooks.example.com/healthoor
  secret: hunter2
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 600, cfg.Server.RateLimit.Callbacks.RequestsPerMinute)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 5, cfg.Checks.TimeoutMinutes)
	assert.Equal(t, []string{"unit", "integration"}, cfg.Checks.Categories)
	assert.True(t, cfg.Checks.Schedule.Enabled)
	require.NotNil(t, cfg.Analysis)
	assert.True(t, cfg.Analysis.Enabled)
	require.NotNil(t, cfg.Broadcast)
	assert.Equal(t, "hunter2", cfg.Broadcast.Secret)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HEALTHOOR_SERVER_LISTEN", ":7070")

	cfg, err := config.Load(writeConfig(t, `
server:
  listen: ":8787"
`+minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr string
	}{
		{
			name: "empty fleet",
			mutate: func(cfg *config.Config) {
				cfg.Fleet.Workers = nil
			},
			wantErr: "at least one fleet worker",
		},
		{
			name: "duplicate worker name",
			mutate: func(cfg *config.Config) {
				cfg.Fleet.Workers = append(cfg.Fleet.Workers,
					cfg.Fleet.Workers[0])
			},
			wantErr: "duplicate name",
		},
		{
			name: "missing worker type",
			mutate: func(cfg *config.Config) {
				cfg.Fleet.Workers[0].Type = ""
			},
			wantErr: "type is required",
		},
		{
			name: "bad address scheme",
			mutate: func(cfg *config.Config) {
				cfg.Fleet.Workers[0].Address = "ftp://alpha:21"
			},
			wantErr: "unsupported address scheme",
		},
		{
			name: "bare local address",
			mutate: func(cfg *config.Config) {
				cfg.Fleet.Workers[0].Address = "local:"
			},
			wantErr: "handle name",
		},
		{
			name: "zero timeout",
			mutate: func(cfg *config.Config) {
				cfg.Checks.TimeoutMinutes = -1
			},
			wantErr: "timeout_minutes",
		},
		{
			name: "bad sweep interval",
			mutate: func(cfg *config.Config) {
				cfg.Checks.SweepInterval = "often"
			},
			wantErr: "sweep_interval",
		},
		{
			name: "unknown category",
			mutate: func(cfg *config.Config) {
				cfg.Checks.Categories = []string{"unit", "chaos"}
			},
			wantErr: "unknown test category",
		},
		{
			name: "schedule without interval",
			mutate: func(cfg *config.Config) {
				cfg.Checks.Schedule.Enabled = true
			},
			wantErr: "schedule.interval",
		},
		{
			name: "analysis enabled without url",
			mutate: func(cfg *config.Config) {
				cfg.Analysis = &config.AnalysisConfig{Enabled: true}
			},
			wantErr: "analysis.url",
		},
		{
			name: "broadcast enabled without webhook",
			mutate: func(cfg *config.Config) {
				cfg.Broadcast = &config.BroadcastConfig{Enabled: true}
			},
			wantErr: "broadcast.webhook_url",
		},
		{
			name: "bad public url scheme",
			mutate: func(cfg *config.Config) {
				cfg.Server.PublicURL = "gopher://hole"
			},
			wantErr: "public_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, minimalConfig))
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
