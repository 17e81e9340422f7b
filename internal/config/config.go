// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Supported database engines.
const (
	EngineMongoDB  = "mongodb"
	EnginePostgres = "postgres"
)

// Supported compression modes for the local archive.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Supported mail transports.
const (
	MailProviderSMTP     = "smtp"
	MailProviderPostmark = "postmark"
	MailProviderLog      = "log"
)

// Config holds all application configuration. It is built once at startup and
// never mutated afterwards.
type Config struct {
	// Database configuration
	DatabaseURI    string
	DatabaseEngine string // "mongodb" or "postgres"
	DumpOptions    string

	// Local archive
	BackupRootDir  string
	BackupFileName string
	Compression    string

	// Storage provider configuration
	StorageProvider string // "s3" or "gcs"
	BackupKeyPrefix string

	// S3 configuration
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3Bucket           string
	S3Region           string
	S3Endpoint         string // Optional custom endpoint

	// GCS configuration
	GCSBucket                string
	GoogleProjectID          string
	GoogleServiceAccountJSON string

	// Scheduling
	Schedule               string
	RunOnStart             bool
	RespawnProtectionHours int

	// Timeouts
	DumpTimeout   time.Duration
	UploadTimeout time.Duration
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration

	// Retries
	StoreRetryAttempts  int
	NotifyRetryAttempts int

	// Notification
	MailProvider        string
	MailFrom            string
	MailTo              string
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	SMTPStartTLS        bool
	PostmarkServerToken string

	// Observability
	MetricsPort int
	LogLevel    string
	LogFormat   string
}

// Load reads configuration from environment variables and, when configFile is
// non-empty, from a YAML file. Environment variables win over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		DatabaseURI:    v.GetString("database_uri"),
		DatabaseEngine: strings.ToLower(v.GetString("database_engine")),
		DumpOptions:    v.GetString("dump_options"),

		BackupRootDir:  v.GetString("backup_root_dir"),
		BackupFileName: v.GetString("backup_file_name"),
		Compression:    strings.ToLower(v.GetString("compression")),

		StorageProvider: strings.ToLower(v.GetString("storage_provider")),
		BackupKeyPrefix: v.GetString("backup_key_prefix"),

		// S3
		AWSAccessKeyID:     v.GetString("aws_access_key_id"),
		AWSSecretAccessKey: v.GetString("aws_secret_access_key"),
		S3Bucket:           firstNonEmpty(v.GetString("s3_bucket"), v.GetString("aws_bucket_name")),
		S3Region:           firstNonEmpty(v.GetString("s3_region"), v.GetString("aws_region")),
		S3Endpoint:         v.GetString("s3_endpoint"),

		// GCS
		GCSBucket:                v.GetString("gcs_bucket"),
		GoogleProjectID:          v.GetString("google_project_id"),
		GoogleServiceAccountJSON: v.GetString("google_service_account_json"),

		Schedule:               v.GetString("backup_schedule"),
		RunOnStart:             v.GetBool("run_on_start"),
		RespawnProtectionHours: v.GetInt("respawn_protection_hours"),

		DumpTimeout:   v.GetDuration("dump_timeout"),
		UploadTimeout: v.GetDuration("upload_timeout"),
		StoreTimeout:  v.GetDuration("store_timeout"),
		NotifyTimeout: v.GetDuration("notify_timeout"),

		StoreRetryAttempts:  v.GetInt("store_retry_attempts"),
		NotifyRetryAttempts: v.GetInt("notify_retry_attempts"),

		MailProvider:        strings.ToLower(v.GetString("mail_provider")),
		MailFrom:            v.GetString("mail_from"),
		MailTo:              v.GetString("mail_to"),
		SMTPHost:            v.GetString("smtp_host"),
		SMTPPort:            v.GetInt("smtp_port"),
		SMTPUsername:        v.GetString("smtp_username"),
		SMTPPassword:        v.GetString("smtp_password"),
		SMTPStartTLS:        v.GetBool("smtp_starttls"),
		PostmarkServerToken: v.GetString("postmark_server_token"),

		MetricsPort: v.GetInt("metrics_port"),
		LogLevel:    strings.ToLower(v.GetString("log_level")),
		LogFormat:   strings.ToLower(v.GetString("log_format")),
	}

	if cfg.MailProvider == "" {
		cfg.MailProvider = MailProviderLog
		if cfg.SMTPHost != "" {
			cfg.MailProvider = MailProviderSMTP
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_engine", EngineMongoDB)
	v.SetDefault("backup_root_dir", "/tmp")
	v.SetDefault("backup_file_name", "backup.archive")
	v.SetDefault("compression", CompressionNone)
	v.SetDefault("storage_provider", "s3")
	v.SetDefault("backup_schedule", "0 0 0 */2 * *")
	v.SetDefault("run_on_start", false)
	v.SetDefault("respawn_protection_hours", 6)
	v.SetDefault("dump_timeout", 2*time.Hour)
	v.SetDefault("upload_timeout", time.Hour)
	v.SetDefault("store_timeout", time.Minute)
	v.SetDefault("notify_timeout", 30*time.Second)
	v.SetDefault("store_retry_attempts", 3)
	v.SetDefault("notify_retry_attempts", 3)
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_starttls", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	// Optional keys without a default are bound so they show up in AllKeys.
	for _, key := range []string{
		"database_uri", "dump_options", "backup_key_prefix",
		"aws_access_key_id", "aws_secret_access_key", "s3_bucket", "aws_bucket_name",
		"s3_region", "aws_region", "s3_endpoint",
		"gcs_bucket", "google_project_id", "google_service_account_json",
		"mail_provider", "mail_from", "mail_to",
		"smtp_host", "smtp_username", "smtp_password", "postmark_server_token",
		"metrics_port",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURI == "" {
		return invalid("DATABASE_URI is required")
	}

	switch c.DatabaseEngine {
	case EngineMongoDB, EnginePostgres:
	default:
		return invalid("invalid DATABASE_ENGINE: %s (must be 'mongodb' or 'postgres')", c.DatabaseEngine)
	}

	if c.BackupRootDir == "" {
		return invalid("BACKUP_ROOT_DIR is required")
	}
	if c.BackupFileName == "" || strings.ContainsAny(c.BackupFileName, `/\`) {
		return invalid("BACKUP_FILE_NAME must be a plain file name")
	}

	switch c.Compression {
	case CompressionNone, CompressionZstd:
	default:
		return invalid("invalid COMPRESSION: %s (must be 'none' or 'zstd')", c.Compression)
	}

	if c.StorageProvider == "" {
		return invalid("STORAGE_PROVIDER is required")
	}

	switch c.StorageProvider {
	case "s3":
		if err := c.validateS3(); err != nil {
			return err
		}
	case "gcs":
		if err := c.validateGCS(); err != nil {
			return err
		}
	default:
		return invalid("invalid STORAGE_PROVIDER: %s (must be 's3' or 'gcs')", c.StorageProvider)
	}

	if c.Schedule == "" {
		return invalid("BACKUP_SCHEDULE is required")
	}

	if c.RespawnProtectionHours < 0 {
		return invalid("RESPAWN_PROTECTION_HOURS must be non-negative")
	}

	for name, d := range map[string]time.Duration{
		"DUMP_TIMEOUT":   c.DumpTimeout,
		"UPLOAD_TIMEOUT": c.UploadTimeout,
		"STORE_TIMEOUT":  c.StoreTimeout,
		"NOTIFY_TIMEOUT": c.NotifyTimeout,
	} {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}

	if c.StoreRetryAttempts < 1 || c.NotifyRetryAttempts < 1 {
		return invalid("retry attempts must be at least 1")
	}

	return c.validateMail()
}

func (c *Config) validateS3() error {
	if c.AWSAccessKeyID == "" {
		return invalid("AWS_ACCESS_KEY_ID is required for S3 storage")
	}
	if c.AWSSecretAccessKey == "" {
		return invalid("AWS_SECRET_ACCESS_KEY is required for S3 storage")
	}
	if c.S3Bucket == "" {
		return invalid("S3_BUCKET (or AWS_BUCKET_NAME) is required for S3 storage")
	}
	if c.S3Region == "" && c.S3Endpoint == "" {
		return invalid("S3_REGION (or AWS_REGION) is required for S3 storage (unless S3_ENDPOINT is set)")
	}
	return nil
}

func (c *Config) validateGCS() error {
	if c.GCSBucket == "" {
		return invalid("GCS_BUCKET is required for GCS storage")
	}
	if c.GoogleProjectID == "" {
		return invalid("GOOGLE_PROJECT_ID is required for GCS storage")
	}
	if c.GoogleServiceAccountJSON == "" {
		return invalid("GOOGLE_SERVICE_ACCOUNT_JSON is required for GCS storage")
	}
	return nil
}

func (c *Config) validateMail() error {
	switch c.MailProvider {
	case MailProviderLog:
		return nil
	case MailProviderSMTP:
		if c.SMTPHost == "" {
			return invalid("SMTP_HOST is required for smtp mail provider")
		}
		if c.SMTPPort <= 0 {
			return invalid("SMTP_PORT must be positive")
		}
	case MailProviderPostmark:
		if c.PostmarkServerToken == "" {
			return invalid("POSTMARK_SERVER_TOKEN is required for postmark mail provider")
		}
	default:
		return invalid("invalid MAIL_PROVIDER: %s (must be 'smtp', 'postmark' or 'log')", c.MailProvider)
	}

	if c.MailFrom == "" || c.MailTo == "" {
		return invalid("MAIL_FROM and MAIL_TO are required when mail delivery is enabled")
	}
	return nil
}

// LocalArchivePath returns the path of the local archive file.
func (c *Config) LocalArchivePath() string {
	return filepath.Join(c.BackupRootDir, c.BackupFileName)
}

// RemoteKey returns the object key of the retention slot, relative to the
// storage prefix.
func (c *Config) RemoteKey() string {
	return path.Clean(c.BackupFileName)
}

// Bucket returns the bucket name for the configured provider.
func (c *Config) Bucket() string {
	if c.StorageProvider == "gcs" {
		return c.GCSBucket
	}
	return c.S3Bucket
}

// GetRespawnProtectionDuration returns the respawn protection as a Duration.
func (c *Config) GetRespawnProtectionDuration() time.Duration {
	return time.Duration(c.RespawnProtectionHours) * time.Hour
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
