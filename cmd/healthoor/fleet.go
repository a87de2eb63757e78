package main

import (
	"fmt"
	"os"

	"github.com/ethpandaops/healthoor/pkg/config"
	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Inspect and scaffold the worker fleet configuration",
}

var fleetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the workers registered in the configuration",
	RunE:  runFleetList,
}

var fleetInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFleetInit,
}

func init() {
	fleetCmd.AddCommand(fleetListCmd)
	fleetCmd.AddCommand(fleetInitCmd)
	rootCmd.AddCommand(fleetCmd)
}

func runFleetList(cmd *cobra.Command, args []string) error {
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

	registry, err := fleet.NewRegistry(&cfg.Fleet)
	if err != nil {
		return fmt.Errorf("building fleet registry: %w", err)
	}

	for _, w := range registry.List() {
		fmt.Printf("%-24s %-12s %s\n", w.Name, w.Type, w.Address)
	}

	return nil
}

func runFleetInit(cmd *cobra.Command, args []string) error {
	path := "healthoor.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file %s", path)
	}

	cfg := &config.Config{
		Global: config.GlobalConfig{
			LogLevel: config.DefaultLogLevel,
		},
		Server: config.ServerConfig{
			Listen: config.DefaultListen,
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{
				Path: config.DefaultSQLitePath,
			},
		},
		Fleet: config.FleetConfig{
			Workers: []config.WorkerConfig{
				{
					Name:    "worker-a",
					Type:    "factory",
					Address: "http://worker-a:9090",
				},
				{
					Name:    "worker-b",
					Type:    "specialist",
					Address: "http://worker-b:9090",
				},
			},
		},
		Checks: config.ChecksConfig{
			TimeoutMinutes: config.DefaultTimeoutMinutes,
			Categories:     config.DefaultCategories,
		},
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fmt.Printf("Wrote sample configuration to %s\n", path)

	return nil
}
