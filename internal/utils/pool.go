package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// RetryConfig controls how long NewConnectionPoolWithRetry waits for a
// database that is still starting.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the connection retry policy, overridable through
// DB_RETRY_MAX_ATTEMPTS, DB_RETRY_INITIAL_DELAY, DB_RETRY_MAX_DELAY (seconds)
// and DB_RETRY_BACKOFF_FACTOR.
func DefaultRetryConfig() RetryConfig {
	cfg := RetryConfig{
		MaxRetries:    10,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}

	if v, err := strconv.Atoi(os.Getenv("DB_RETRY_MAX_ATTEMPTS")); err == nil && v >= 0 {
		cfg.MaxRetries = v
	}
	if v, err := strconv.Atoi(os.Getenv("DB_RETRY_INITIAL_DELAY")); err == nil && v > 0 {
		cfg.InitialDelay = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("DB_RETRY_MAX_DELAY")); err == nil && v > 0 {
		cfg.MaxDelay = time.Duration(v) * time.Second
	}
	if v, err := strconv.ParseFloat(os.Getenv("DB_RETRY_BACKOFF_FACTOR"), 64); err == nil && v >= 1 {
		cfg.BackoffFactor = v
	}

	return cfg
}

// ConnectionPool manages database connections.
type ConnectionPool struct {
	db *sql.DB
}

// NewConnectionPool opens a pool and pings it once.
func NewConnectionPool(ctx context.Context, databaseURL string) (*ConnectionPool, error) {
	dsn, err := poolDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &ConnectionPool{db: db}, nil
}

// NewConnectionPoolWithRetry keeps trying NewConnectionPool while the error
// looks like a database that is still booting.
func NewConnectionPoolWithRetry(ctx context.Context, databaseURL string, cfg RetryConfig) (*ConnectionPool, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.BackoffFactor
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries))
	b = backoff.WithContext(b, ctx)

	var pool *ConnectionPool
	err := backoff.Retry(func() error {
		var err error
		pool, err = NewConnectionPool(ctx, databaseURL)
		if err != nil && !isColdBootError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("all database connection attempts failed: %w", err)
	}

	return pool, nil
}

// GetDatabaseInfo retrieves database information.
func (p *ConnectionPool) GetDatabaseInfo(ctx context.Context) (*DatabaseInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info := &DatabaseInfo{}

	err := p.db.QueryRowContext(ctx, `
		SELECT current_database(), version(), pg_database_size(current_database())
	`).Scan(&info.Name, &info.Version, &info.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to get database info: %w", err)
	}

	return info, nil
}

// Close closes the connection pool.
func (p *ConnectionPool) Close() error {
	return p.db.Close()
}

// DatabaseInfo holds database metadata.
type DatabaseInfo struct {
	Name    string
	Version string
	Size    int64
}

func poolDSN(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid database URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("invalid database URL scheme %q", u.Scheme)
	}

	q := u.Query()
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "require")
	}
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", "10")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var coldBootMarkers = []string{
	"the database system is starting up",
	"57p03",
	"connection refused",
	"econnrefused",
	"no such host",
	"timeout",
	"connection reset",
}

// isColdBootError reports whether err is worth retrying because the server
// is not accepting connections yet.
func isColdBootError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range coldBootMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
