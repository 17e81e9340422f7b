// Package ratelimit keeps a restarting process from dumping the database on
// every start.
package ratelimit

import (
	"time"
)

// RateLimiter decides whether a run may start given when the remote snapshot
// was last written.
type RateLimiter interface {
	// Allow returns the decision for a snapshot last written at lastBackup.
	// A zero lastBackup means no snapshot exists.
	Allow(lastBackup time.Time) Decision

	// MinInterval returns the minimum time between runs.
	MinInterval() time.Duration
}

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed bool
	Reason  string

	// RetryAfter is how long until a run would be allowed. Zero when allowed.
	RetryAfter time.Duration
}

// Config holds configuration for rate limiting.
type Config struct {
	// MinInterval is the minimum time between runs. Zero disables the limit.
	MinInterval time.Duration

	// Force allows every run.
	Force bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}
