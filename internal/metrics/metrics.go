// Package metrics provides Prometheus metrics for the backup agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackupAttempts tracks the total number of backup runs by outcome.
	BackupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_backup_attempts_total",
		Help: "Total number of backup attempts",
	}, []string{"status"})

	// BackupDuration tracks the duration of each lifecycle phase.
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_backup_duration_seconds",
		Help:    "Duration of backup phases in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
	}, []string{"phase"})

	// BackupSize tracks the size of the last uploaded archive.
	BackupSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_backup_size_bytes",
		Help: "Size of the last backup archive in bytes",
	})

	// DatabaseSize tracks the size of the database as reported before a dump.
	DatabaseSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_backup_database_size_bytes",
		Help: "Size of the database in bytes",
	})

	// StorageOperations tracks object store calls.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_backup_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "provider", "status"})

	// RateLimitBlocked tracks startup runs suppressed by respawn protection.
	RateLimitBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "db_backup_rate_limit_blocked_total",
		Help: "Total number of backups blocked by rate limiting",
	})

	// SkippedRuns tracks scheduler triggers dropped because a run was in progress.
	SkippedRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "db_backup_skipped_runs_total",
		Help: "Total number of scheduled runs skipped due to an in-flight run",
	})

	// LastBackupTimestamp tracks when the last successful backup occurred.
	LastBackupTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_backup_last_success_timestamp",
		Help: "Unix timestamp of the last successful backup",
	})

	// BackupsDeleted tracks removals of the previous remote snapshot.
	BackupsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_backup_deleted_total",
		Help: "Total number of previous snapshot deletions",
	}, []string{"status"})

	// Notifications tracks outgoing operator mail.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_backup_notifications_total",
		Help: "Total number of notifications sent",
	}, []string{"template", "status"})

	// Info provides static information about the service.
	Info = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_backup_info",
		Help: "Information about the backup service",
	}, []string{"version", "engine", "storage_provider"})
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordBackupAttempt records a backup attempt with its status.
func RecordBackupAttempt(success bool) {
	BackupAttempts.WithLabelValues(status(success)).Inc()
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation, provider string, success bool) {
	StorageOperations.WithLabelValues(operation, provider, status(success)).Inc()
}

// RecordDeletion records an attempt to remove the previous remote snapshot.
func RecordDeletion(success bool) {
	BackupsDeleted.WithLabelValues(status(success)).Inc()
}

// RecordNotification records a notification delivery attempt.
func RecordNotification(template string, success bool) {
	Notifications.WithLabelValues(template, status(success)).Inc()
}
