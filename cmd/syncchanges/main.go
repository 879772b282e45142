// Command syncchanges runs the SQL Server change-tracking replication
// engine: a "run" subcommand drives one pass over every configured
// replication set, and a "migrate" subcommand bootstraps SyncInfo on a
// single destination without running a sync.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/syncchanges/internal/apply"
	"github.com/vitaliisemenov/syncchanges/internal/bootstrap"
	"github.com/vitaliisemenov/syncchanges/internal/config"
	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/extract"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
	"github.com/vitaliisemenov/syncchanges/internal/metadata"
	"github.com/vitaliisemenov/syncchanges/internal/orchestrator"
	"github.com/vitaliisemenov/syncchanges/internal/telemetry"
	"github.com/vitaliisemenov/syncchanges/internal/versiontracker"
	"github.com/vitaliisemenov/syncchanges/pkg/logger"
)

var (
	configPath string
	dryRun     bool
	logLevel   string
	logFormat  string
	timeout    time.Duration
	destName   string
)

func main() {
	root := &cobra.Command{
		Use:   "syncchanges",
		Short: "Replicate row-level changes between SQL Server databases using change tracking",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "replication.yaml", "path to the replication-set config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "override the configured log format")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall run timeout")

	root.AddCommand(runCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pass over all configured replication sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			runID := logger.GenerateRunID()
			ctx = logger.WithRunID(ctx, runID)
			log = logger.FromContext(ctx, log)

			recorder := telemetry.New()
			if cfg.Metrics.Enabled {
				stopMetrics := startMetricsServer(cfg.Metrics.Addr, log)
				defer stopMetrics()
			}
			orch := buildOrchestrator(log, recorder)

			log.Info("starting replication run", "sets", len(cfg.ReplicationSets), "dry_run", dryRun)
			errored := orch.Run(ctx, cfg.DomainReplicationSets(), dryRun)
			if errored {
				log.Error("replication run completed with errors")
				os.Exit(1)
			}
			log.Info("replication run completed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log planned changes without writing to destinations")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bootstrap SyncInfo on a single destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			if destName == "" {
				return fmt.Errorf("--destination is required")
			}

			endpoint, ok := findDestination(cfg.DomainReplicationSets(), destName)
			if !ok {
				return fmt.Errorf("destination %q not found in any configured replication set", destName)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			b := bootstrap.New(log)
			if err := b.EnsureSyncInfoTable(ctx, endpoint); err != nil {
				return fmt.Errorf("bootstrapping %s: %w", destName, err)
			}
			log.Info("SyncInfo bootstrapped", "destination", destName)
			return nil
		},
	}
	cmd.Flags().StringVar(&destName, "destination", "", "name of the destination to bootstrap")
	return cmd
}

func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := cfg.Log
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	if logFormat != "" {
		logCfg.Format = logFormat
	}

	log := logger.NewLogger(logCfg)

	sanitized := config.NewDefaultConfigSanitizer().Sanitize(cfg)
	log.Debug("loaded config", "path", configPath, "config", sanitized)

	return cfg, log, nil
}

func buildOrchestrator(log *slog.Logger, recorder telemetry.Recorder) *orchestrator.Orchestrator {
	connect := func(ctx context.Context, endpoint domain.DatabaseEndpoint) (gateway.Gateway, error) {
		gw, err := gateway.Open(ctx, gateway.DefaultConfig(endpoint.Name, endpoint.ConnectionString), log)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}

	b := bootstrap.New(log)
	return orchestrator.New(
		connect,
		metadata.New(log),
		versiontracker.New(b, log),
		extract.New(log),
		apply.New(log),
		recorder,
		log,
	)
}

// startMetricsServer mounts telemetry.Handler() on cfg.Metrics.Addr and
// serves it in the background for the lifetime of one run. The returned
// func shuts the listener down; callers defer it.
func startMetricsServer(addr string, log *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("metrics server listening", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("metrics server shutdown failed", "error", err)
		}
	}
}

func findDestination(sets []domain.ReplicationSet, name string) (domain.DatabaseEndpoint, bool) {
	for _, set := range sets {
		for _, dest := range set.Destinations {
			if dest.Name == name {
				return dest, true
			}
		}
	}
	return domain.DatabaseEndpoint{}, false
}
