package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/imedwei/db-backup-agent/internal/config"
	"github.com/imedwei/db-backup-agent/internal/metrics"
)

// RetryConfig holds retry configuration for storage operations.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// NewBackOff builds the exponential policy described by c, bounded by
// MaxAttempts and ctx.
func (c RetryConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialDelay
	exp.MaxInterval = c.MaxDelay
	exp.Multiplier = c.Multiplier
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// RetryableStorage wraps a Storage implementation with retry logic.
type RetryableStorage struct {
	storage Storage
	config  RetryConfig
	logger  *slog.Logger
}

// NewRetryableStorage creates a new storage wrapper with retry logic.
func NewRetryableStorage(storage Storage, config RetryConfig, logger *slog.Logger) *RetryableStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryableStorage{
		storage: storage,
		config:  config,
		logger:  logger,
	}
}

// Put implements Storage.Put with retry logic. The body is rewound to its
// starting offset before every attempt.
func (r *RetryableStorage) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	start, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to determine body offset: %w", err)
	}

	return r.retry(ctx, "put", key, func() error {
		if _, err := body.Seek(start, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to rewind body: %w", err))
		}
		return r.storage.Put(ctx, key, body, size, metadata)
	})
}

// Delete implements Storage.Delete with retry logic.
func (r *RetryableStorage) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete", key, func() error {
		return r.storage.Delete(ctx, key)
	})
}

// Stat implements Storage.Stat with retry logic. ErrNotFound is not retried.
func (r *RetryableStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	var result *ObjectInfo
	err := r.retry(ctx, "stat", key, func() error {
		var err error
		result, err = r.storage.Stat(ctx, key)
		return err
	})
	return result, err
}

// Copy implements Storage.Copy with retry logic.
func (r *RetryableStorage) Copy(ctx context.Context, srcKey, dstKey string) error {
	return r.retry(ctx, "copy", dstKey, func() error {
		return r.storage.Copy(ctx, srcKey, dstKey)
	})
}

// retry executes fn with exponential backoff.
func (r *RetryableStorage) retry(ctx context.Context, op, key string, fn func() error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn()
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, r.config.NewBackOff(ctx), func(err error, wait time.Duration) {
		r.logger.Warn("Storage operation failed, retrying",
			"operation", op,
			"key", key,
			"attempt", attempts,
			"retry_in", wait,
			"error", err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || attempts <= 1 {
		return err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}

// Close closes the wrapped storage.
func (r *RetryableStorage) Close() error {
	return Close(r.storage)
}

// instrumentedStorage records every call in the storage operations counter.
type instrumentedStorage struct {
	storage  Storage
	provider string
}

func (i *instrumentedStorage) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	err := i.storage.Put(ctx, key, body, size, metadata)
	metrics.RecordStorageOperation("put", i.provider, err == nil)
	return err
}

func (i *instrumentedStorage) Delete(ctx context.Context, key string) error {
	err := i.storage.Delete(ctx, key)
	metrics.RecordStorageOperation("delete", i.provider, err == nil)
	return err
}

func (i *instrumentedStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := i.storage.Stat(ctx, key)
	metrics.RecordStorageOperation("stat", i.provider, err == nil || errors.Is(err, ErrNotFound))
	return info, err
}

func (i *instrumentedStorage) Copy(ctx context.Context, srcKey, dstKey string) error {
	err := i.storage.Copy(ctx, srcKey, dstKey)
	metrics.RecordStorageOperation("copy", i.provider, err == nil)
	return err
}

func (i *instrumentedStorage) Close() error {
	return Close(i.storage)
}

// NewStorage creates a storage provider based on configuration, instrumented
// and wrapped with retries.
func NewStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Storage, error) {
	var storage Storage
	var err error

	switch cfg.StorageProvider {
	case "s3":
		s3Config := S3Config{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.BackupKeyPrefix,
			UsePathStyle:    cfg.S3Endpoint != "", // Use path style for custom endpoints
		}
		storage, err = NewS3Storage(ctx, s3Config)

	case "gcs":
		if err := ValidateServiceAccountJSON(cfg.GoogleServiceAccountJSON); err != nil {
			return nil, fmt.Errorf("invalid GCS service account: %w", err)
		}

		gcsConfig := GCSConfig{
			Bucket:             cfg.GCSBucket,
			ProjectID:          cfg.GoogleProjectID,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
			Prefix:             cfg.BackupKeyPrefix,
		}
		storage, err = NewGCSStorage(ctx, gcsConfig)

	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.StorageProvider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", cfg.StorageProvider, err)
	}

	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.StoreRetryAttempts

	instrumented := &instrumentedStorage{storage: storage, provider: cfg.StorageProvider}
	return NewRetryableStorage(instrumented, retryCfg, logger.With("component", "storage")), nil
}
