package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/healthoor/pkg/analysis"
	"github.com/ethpandaops/healthoor/pkg/api"
	"github.com/ethpandaops/healthoor/pkg/broadcast"
	"github.com/ethpandaops/healthoor/pkg/checks"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/ethpandaops/healthoor/pkg/config"
	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/ethpandaops/healthoor/pkg/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the health verification server",
	Long:  `Start the healthoor server: HTTP API, check dispatcher, timeout sweeper and result ingestion.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// The config log level applies unless the flag overrode it.
	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, perr := logrus.ParseLevel(cfg.Global.LogLevel)
		if perr != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Global.LogLevel, perr)
		}

		log.SetLevel(level)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	registry, err := fleet.NewRegistry(&cfg.Fleet)
	if err != nil {
		return fmt.Errorf("building fleet registry: %w", err)
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	localRegistry := worker.NewLocalRegistry()
	client := worker.NewMuxClient(
		worker.NewHTTPClient(log, cfg.Checks.DispatchEvery()),
		worker.NewLocalClient(log, localRegistry),
	)

	svc := checks.NewService(
		log, cfg, st, registry, client,
		buildAnalyzer(cfg),
		buildBroadcaster(cfg),
	)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting checks service: %w", err)
	}

	srv := api.NewServer(log, cfg, svc, registry)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	log.WithField("listen", cfg.Server.Listen).
		WithField("workers", len(registry.List())).
		Info("Healthoor started")

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Error("Failed to stop API server")
	}

	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("Failed to stop checks service")
	}

	if err := st.Stop(); err != nil {
		log.WithError(err).Error("Failed to stop store")
	}

	return nil
}

func buildAnalyzer(cfg *config.Config) analysis.Analyzer {
	if cfg.Analysis == nil || !cfg.Analysis.Enabled {
		return analysis.NewDisabledAnalyzer()
	}

	timeout := 30 * time.Second
	if cfg.Analysis.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Analysis.Timeout); err == nil {
			timeout = d
		}
	}

	return analysis.NewHTTPAnalyzer(cfg.Analysis.URL, timeout)
}

func buildBroadcaster(cfg *config.Config) broadcast.Broadcaster {
	if cfg.Broadcast == nil || !cfg.Broadcast.Enabled {
		return broadcast.NewNopBroadcaster()
	}

	timeout := 10 * time.Second
	if cfg.Broadcast.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Broadcast.Timeout); err == nil {
			timeout = d
		}
	}

	return broadcast.NewWebhookBroadcaster(
		log, cfg.Broadcast.WebhookURL, cfg.Broadcast.Secret, timeout,
	)
}
