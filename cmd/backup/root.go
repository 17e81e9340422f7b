package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imedwei/db-backup-agent/internal/backup"
	"github.com/imedwei/db-backup-agent/internal/config"
	"github.com/imedwei/db-backup-agent/internal/health"
	"github.com/imedwei/db-backup-agent/internal/metrics"
	"github.com/imedwei/db-backup-agent/internal/notify"
	"github.com/imedwei/db-backup-agent/internal/scheduler"
	"github.com/imedwei/db-backup-agent/internal/server"
	"github.com/imedwei/db-backup-agent/internal/storage"
)

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Scheduled database backup agent",
		Long: `backup dumps a MongoDB or PostgreSQL database on a cron schedule,
uploads the archive to S3 or GCS under a fixed key and emails the outcome.

Configuration comes from environment variables, optionally layered over a
YAML file given with --config.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configFile)
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to an optional YAML config file")
	cmd.AddCommand(newOnceCmd(&configFile))

	return cmd
}

// agent holds the wired components shared by both commands.
type agent struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        storage.Storage
	orchestrator *backup.Orchestrator
}

// close releases the storage client.
func (a *agent) close() {
	if err := storage.Close(a.store); err != nil {
		a.logger.Warn("Failed to close storage client", "error", err)
	}
}

func newAgent(ctx context.Context, configFile string, opts ...backup.Option) (*agent, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Database backup agent starting", "version", version)
	logger.Info("Configuration loaded",
		"engine", cfg.DatabaseEngine,
		"storage_provider", cfg.StorageProvider,
		"bucket", cfg.Bucket(),
		"remote_key", cfg.RemoteKey(),
		"local_path", cfg.LocalArchivePath(),
		"compression", cfg.Compression,
		"schedule", cfg.Schedule,
		"mail_provider", cfg.MailProvider,
		"respawn_protection_hours", cfg.RespawnProtectionHours,
	)
	metrics.Info.WithLabelValues(version, cfg.DatabaseEngine, cfg.StorageProvider).Set(1)

	store, err := storage.NewStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}

	orchestrator := backup.NewOrchestrator(cfg, store, newProducer(cfg, logger), notify.New(cfg, logger), logger, opts...)

	return &agent{cfg: cfg, logger: logger, store: store, orchestrator: orchestrator}, nil
}

func newProducer(cfg *config.Config, logger *slog.Logger) backup.Producer {
	if cfg.DatabaseEngine == config.EnginePostgres {
		return backup.NewPostgresDump(cfg.DatabaseURI, cfg.DumpOptions, cfg.Compression, logger)
	}
	return backup.NewMongoDump(cfg.DumpOptions, cfg.Compression, logger)
}

func runDaemon(parent context.Context, configFile string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(ctx, configFile)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	sched, err := scheduler.New(scheduler.Config{
		Schedule:   a.cfg.Schedule,
		RunOnStart: a.cfg.RunOnStart,
	}, func(ctx context.Context, trigger scheduler.Trigger) {
		if trigger == scheduler.TriggerStartup {
			if d := a.orchestrator.ShouldRun(ctx); !d.Allowed {
				logger.Info("Skipping startup backup due to rate limiting", "reason", d.Reason)
				return
			}
		}
		// Outcomes are logged and reported by the orchestrator.
		_, _ = a.orchestrator.Run(ctx)
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	checker := health.NewChecker()
	checker.RegisterCheck("backup", a.orchestrator.HealthCheck)
	checker.RegisterCheck("scheduler", sched.HealthCheck)

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsPort > 0 {
		serverConfig := server.DefaultConfig()
		serverConfig.Port = a.cfg.MetricsPort
		srv := server.New(serverConfig, checker, logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		checker.SetReady(true)
		defer checker.SetReady(false)
		return sched.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Agent stopped with error", "error", err)
		return err
	}

	logger.Info("Agent stopped")
	return nil
}
