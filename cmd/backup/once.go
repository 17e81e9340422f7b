package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imedwei/db-backup-agent/internal/backup"
)

func newOnceCmd(configFile *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single backup and exit",
		Long: `once runs one dump, upload and notify cycle and exits non-zero if it
failed. Respawn protection skips the run when the remote snapshot is newer
than RESPAWN_PROTECTION_HOURS unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), *configFile, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore respawn protection")
	return cmd
}

func runOnce(parent context.Context, configFile string, force bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(ctx, configFile, backup.WithForce(force))
	if err != nil {
		return err
	}
	defer a.close()

	if d := a.orchestrator.ShouldRun(ctx); !d.Allowed {
		a.logger.Info("Skipping backup due to rate limiting", "reason", d.Reason)
		return nil
	}

	run, err := a.orchestrator.Run(ctx)
	if err != nil {
		return err
	}

	a.logger.Info("Backup finished", "run_id", run.ID, "outcome", run.Outcome())
	return nil
}
