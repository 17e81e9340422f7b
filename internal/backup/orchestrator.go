package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imedwei/db-backup-agent/internal/config"
	"github.com/imedwei/db-backup-agent/internal/health"
	"github.com/imedwei/db-backup-agent/internal/metrics"
	"github.com/imedwei/db-backup-agent/internal/notify"
	"github.com/imedwei/db-backup-agent/internal/ratelimit"
	"github.com/imedwei/db-backup-agent/internal/storage"
	"github.com/imedwei/db-backup-agent/internal/utils"
)

const describeTimeout = time.Minute

// Orchestrator coordinates the backup process.
type Orchestrator struct {
	config      *config.Config
	storage     storage.Storage
	producer    Producer
	notifier    notify.Notifier
	rateLimiter ratelimit.RateLimiter
	logger      *slog.Logger

	// running is held for the whole lifecycle; it guards the local archive
	// path and the remote slot.
	running sync.Mutex

	mu      sync.RWMutex
	lastRun *Run
}

// Option configures an Orchestrator.
type Option func(*ratelimit.Config)

// WithForce disables respawn protection.
func WithForce(force bool) Option {
	return func(c *ratelimit.Config) {
		c.Force = force
	}
}

// NewOrchestrator creates a new backup orchestrator.
func NewOrchestrator(cfg *config.Config, store storage.Storage, producer Producer, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	rlConfig := ratelimit.Config{
		MinInterval: cfg.GetRespawnProtectionDuration(),
	}
	for _, opt := range opts {
		opt(&rlConfig)
	}

	return &Orchestrator{
		config:      cfg,
		storage:     store,
		producer:    producer,
		notifier:    notifier,
		rateLimiter: ratelimit.NewTimeBasedLimiter(rlConfig),
		logger:      logger.With("component", "orchestrator"),
	}
}

// ShouldRun applies respawn protection using the last-modified time of the
// remote snapshot. A store error lets the run proceed.
func (o *Orchestrator) ShouldRun(ctx context.Context) ratelimit.Decision {
	ctx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	var lastBackup time.Time
	info, err := o.storage.Stat(ctx, o.config.RemoteKey())
	switch {
	case err == nil:
		lastBackup = info.LastModified
	case errors.Is(err, storage.ErrNotFound):
	default:
		o.logger.Warn("Failed to get last backup time, proceeding with backup", "error", err)
		return ratelimit.Decision{Allowed: true, Reason: "last backup time unknown"}
	}

	decision := o.rateLimiter.Allow(lastBackup)
	o.logger.Info("Rate limiter decision", "should_backup", decision.Allowed, "reason", decision.Reason)
	if !decision.Allowed {
		metrics.RateLimitBlocked.Inc()
	}
	return decision
}

// Run executes one lifecycle: dump, upload to a staging key, delete the
// previous snapshot, promote, clean up and notify. The returned Run is never
// nil unless the error is ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context) (*Run, error) {
	if !o.running.TryLock() {
		o.logger.Warn("Backup run already in progress, skipping")
		return nil, ErrRunInProgress
	}
	defer o.running.Unlock()

	run := &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		LocalPath: o.config.LocalArchivePath(),
		RemoteKey: o.config.RemoteKey(),
	}
	run.StagingKey = utils.StagingKey(run.RemoteKey)

	logger := o.logger.With("run_id", run.ID)
	logger.Info("Starting backup run",
		"tool", o.producer.Name(),
		"local_path", run.LocalPath,
		"remote_key", run.RemoteKey,
		"provider", o.config.StorageProvider)

	run.Err = o.execute(ctx, run, logger)
	run.FinishedAt = time.Now()

	metrics.RecordBackupAttempt(run.Succeeded())
	metrics.BackupDuration.WithLabelValues("total").Observe(run.Duration().Seconds())

	if !run.Succeeded() {
		logger.Error("Backup run failed",
			"outcome", run.Outcome(),
			"duration", run.Duration(),
			"error", run.Err)
	} else {
		logger.Info("Backup completed successfully",
			"remote_key", run.RemoteKey,
			"bytes", run.Bytes,
			"size", utils.FormatBytes(run.Bytes),
			"duration", run.Duration(),
			"warnings", len(run.Warnings))
	}

	o.notify(ctx, run, logger)
	run.Phase = PhaseDone

	o.mu.Lock()
	o.lastRun = run
	o.mu.Unlock()

	return run, run.Err
}

// LastRun returns a copy of the most recent finished run, or nil.
func (o *Orchestrator) LastRun() *Run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastRun == nil {
		return nil
	}
	r := *o.lastRun
	return &r
}

// HealthCheck reports the outcome of the most recent run.
func (o *Orchestrator) HealthCheck(ctx context.Context) health.Check {
	check := health.Check{
		Status:    health.StatusHealthy,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{},
	}

	last := o.LastRun()
	if last == nil {
		check.Details["last_run"] = "none"
		return check
	}

	check.Details["last_run_id"] = last.ID
	check.Details["last_run_started"] = last.StartedAt
	check.Details["last_run_outcome"] = last.Outcome()
	if last.Err != nil {
		check.Status = health.StatusUnhealthy
		check.Details["error"] = last.Err.Error()
	}
	return check
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, logger *slog.Logger) error {
	o.describe(ctx, logger)

	if err := o.dump(ctx, run, logger); err != nil {
		return err
	}
	if err := o.upload(ctx, run, logger); err != nil {
		return err
	}
	o.reconcile(ctx, run, logger)
	if err := o.promote(ctx, run, logger); err != nil {
		return err
	}
	o.cleanup(run, logger)
	return nil
}

func (o *Orchestrator) describe(ctx context.Context, logger *slog.Logger) {
	d, ok := o.producer.(Describer)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	info, err := d.Describe(ctx)
	if err != nil {
		logger.Warn("Failed to get database info", "error", err)
		return
	}
	logger.Info("Database info",
		"name", info.Name,
		"size", utils.FormatBytes(info.Size),
		"version", info.Version)
	metrics.DatabaseSize.Set(float64(info.Size))
}

func (o *Orchestrator) dump(ctx context.Context, run *Run, logger *slog.Logger) error {
	run.Phase = PhaseDumping
	if err := ctx.Err(); err != nil {
		return interrupted(PhaseDumping, err)
	}

	if err := os.MkdirAll(o.config.BackupRootDir, 0o750); err != nil {
		return &RunError{Kind: KindFilesystem, Phase: PhaseDumping, Err: fmt.Errorf("failed to create backup directory: %w", err)}
	}

	dumpCtx, cancel := context.WithTimeout(ctx, o.config.DumpTimeout)
	defer cancel()

	start := time.Now()
	err := o.producer.Dump(dumpCtx, o.config.DatabaseURI, run.LocalPath)
	metrics.BackupDuration.WithLabelValues("dump").Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Dump interrupted, leaving local archive in place", "path", run.LocalPath)
			return interrupted(PhaseDumping, err)
		}
		if rmErr := removeArchive(run.LocalPath); rmErr != nil {
			logger.Warn("Failed to remove partial archive", "path", run.LocalPath, "error", rmErr)
			run.warn(fmt.Sprintf("failed to remove partial archive %s: %v", run.LocalPath, rmErr))
		}
		return &RunError{Kind: KindDump, Phase: PhaseDumping, Err: err}
	}

	fi, err := os.Stat(run.LocalPath)
	if err != nil {
		return &RunError{Kind: KindFilesystem, Phase: PhaseDumping, Err: fmt.Errorf("archive missing after dump: %w", err)}
	}
	run.Bytes = fi.Size()

	logger.Info("Dump completed",
		"path", run.LocalPath,
		"size", utils.FormatBytes(run.Bytes),
		"duration", time.Since(start))
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, run *Run, logger *slog.Logger) error {
	run.Phase = PhaseUploading
	if err := ctx.Err(); err != nil {
		return interrupted(PhaseUploading, err)
	}

	f, err := os.Open(run.LocalPath)
	if err != nil {
		return &RunError{Kind: KindFilesystem, Phase: PhaseUploading, Err: fmt.Errorf("failed to open archive: %w", err)}
	}
	defer f.Close()

	body := utils.NewProgressReader(f, func(total int64, elapsed time.Duration) {
		logger.Info("Upload progress",
			"uploaded", utils.FormatBytes(total),
			"total", utils.FormatBytes(run.Bytes),
			"rate", utils.FormatRate(total, elapsed))
	})

	metadata := map[string]string{
		"backup-timestamp": run.StartedAt.UTC().Format(time.RFC3339),
		"run-id":           run.ID,
		"backup-tool":      o.producer.Name(),
	}

	uploadCtx, cancel := context.WithTimeout(ctx, o.config.UploadTimeout)
	defer cancel()

	logger.Info("Starting upload to storage",
		"provider", o.config.StorageProvider,
		"staging_key", run.StagingKey,
		"size", utils.FormatBytes(run.Bytes))
	start := time.Now()

	if err := o.storage.Put(uploadCtx, run.StagingKey, body, run.Bytes, metadata); err != nil {
		if ctx.Err() != nil {
			return interrupted(PhaseUploading, err)
		}
		logger.Error("Upload failed, keeping local archive", "path", run.LocalPath, "error", err)
		return &RunError{Kind: KindStore, Phase: PhaseUploading, Err: err}
	}

	elapsed := time.Since(start)
	metrics.BackupDuration.WithLabelValues("upload").Observe(elapsed.Seconds())
	logger.Info("Upload completed",
		"staging_key", run.StagingKey,
		"uploaded", utils.FormatBytes(body.BytesRead()),
		"duration", elapsed,
		"rate", utils.FormatRate(run.Bytes, elapsed))
	return nil
}

// reconcile removes the previous snapshot. The new archive is already stored
// under the staging key, so a failure here only leaves the old object for
// Copy to overwrite.
func (o *Orchestrator) reconcile(ctx context.Context, run *Run, logger *slog.Logger) {
	run.Phase = PhaseReconciling

	ctx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	exists, err := storage.Exists(ctx, o.storage, run.RemoteKey)
	if err == nil && !exists {
		logger.Info("No previous snapshot to delete", "key", run.RemoteKey)
		return
	}

	err = o.storage.Delete(ctx, run.RemoteKey)
	metrics.RecordDeletion(err == nil)
	if err != nil {
		logger.Warn("Failed to delete previous snapshot, continuing", "key", run.RemoteKey, "error", err)
		run.warn(fmt.Sprintf("failed to delete previous snapshot %s: %v", run.RemoteKey, err))
		return
	}
	logger.Info("Deleted previous snapshot", "key", run.RemoteKey)
}

func (o *Orchestrator) promote(ctx context.Context, run *Run, logger *slog.Logger) error {
	run.Phase = PhasePromoting
	if err := ctx.Err(); err != nil {
		logger.Warn("Run interrupted before promote, staging object left in place", "staging_key", run.StagingKey)
		return interrupted(PhasePromoting, err)
	}

	copyCtx, cancel := context.WithTimeout(ctx, o.config.UploadTimeout)
	defer cancel()

	start := time.Now()
	if err := o.storage.Copy(copyCtx, run.StagingKey, run.RemoteKey); err != nil {
		logger.Error("Failed to promote snapshot, staging object left in place",
			"staging_key", run.StagingKey,
			"key", run.RemoteKey,
			"error", err)
		if ctx.Err() != nil {
			return interrupted(PhasePromoting, err)
		}
		return &RunError{Kind: KindStore, Phase: PhasePromoting, Err: err}
	}

	metrics.BackupDuration.WithLabelValues("promote").Observe(time.Since(start).Seconds())
	metrics.BackupSize.Set(float64(run.Bytes))
	metrics.LastBackupTimestamp.Set(float64(time.Now().Unix()))
	logger.Info("Snapshot promoted", "key", run.RemoteKey)

	// The snapshot is in place; finish tidying even if shutdown has begun.
	delCtx, delCancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.StoreTimeout)
	defer delCancel()

	if err := o.storage.Delete(delCtx, run.StagingKey); err != nil {
		logger.Warn("Failed to delete staging object", "staging_key", run.StagingKey, "error", err)
		run.warn(fmt.Sprintf("failed to delete staging object %s: %v", run.StagingKey, err))
	}
	return nil
}

func (o *Orchestrator) cleanup(run *Run, logger *slog.Logger) {
	run.Phase = PhaseCleaningUp

	if err := removeArchive(run.LocalPath); err != nil {
		logger.Warn("Failed to delete local archive", "path", run.LocalPath, "error", err)
		run.warn(fmt.Sprintf("failed to delete local archive %s: %v", run.LocalPath, err))
		return
	}
	logger.Info("Deleted local archive", "path", run.LocalPath)
}

// notify reports the outcome. Delivery errors are logged and kept on the run
// but never change its outcome.
func (o *Orchestrator) notify(ctx context.Context, run *Run, logger *slog.Logger) {
	run.Phase = PhaseNotifying

	details := notify.Details{
		RunID:     run.ID,
		Engine:    o.producer.Name(),
		Object:    path.Join(o.config.Bucket(), o.config.BackupKeyPrefix, run.RemoteKey),
		Bytes:     run.Bytes,
		StartedAt: run.StartedAt,
		Duration:  run.Duration(),
		Warnings:  run.Warnings,
		Err:       run.Err,
	}

	var msg notify.Message
	if run.Succeeded() {
		msg = notify.SuccessMessage(o.config.MailFrom, o.config.MailTo, details)
	} else {
		var re *RunError
		if errors.As(run.Err, &re) {
			details.Phase = re.Phase.String()
		}
		msg = notify.FailureMessage(o.config.MailFrom, o.config.MailTo, details)
	}

	// Shutdown must not swallow the report of the run it interrupted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.NotifyTimeout)
	defer cancel()

	if err := o.notifier.Notify(ctx, msg); err != nil {
		logger.Error("Failed to send notification", "template", msg.Template, "error", err)
		run.NotifyErr = &RunError{Kind: KindNotify, Phase: PhaseNotifying, Err: err}
		return
	}
	logger.Info("Notification sent", "template", msg.Template)
}

func interrupted(phase Phase, err error) *RunError {
	return &RunError{Kind: KindInterrupted, Phase: phase, Err: err}
}

func removeArchive(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
