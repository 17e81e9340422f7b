package ratelimit

import (
	"fmt"
	"time"
)

// TimeBasedLimiter allows a run once MinInterval has passed since the last
// snapshot.
type TimeBasedLimiter struct {
	config Config
}

// NewTimeBasedLimiter creates a new time-based rate limiter.
func NewTimeBasedLimiter(config Config) *TimeBasedLimiter {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TimeBasedLimiter{
		config: config,
	}
}

// Allow implements RateLimiter.
func (t *TimeBasedLimiter) Allow(lastBackup time.Time) Decision {
	switch {
	case t.config.Force:
		return Decision{Allowed: true, Reason: "forced run requested"}
	case t.config.MinInterval <= 0:
		return Decision{Allowed: true, Reason: "respawn protection disabled"}
	case lastBackup.IsZero():
		return Decision{Allowed: true, Reason: "no previous backup found"}
	}

	since := t.config.Now().Sub(lastBackup)
	if since < 0 {
		// Clock skew between us and the object store; trust the store.
		since = 0
	}
	if since < t.config.MinInterval {
		wait := t.config.MinInterval - since
		return Decision{
			Reason: fmt.Sprintf("last backup was %s ago, next backup allowed in %s",
				formatDuration(since), formatDuration(wait)),
			RetryAfter: wait,
		}
	}

	return Decision{Allowed: true, Reason: fmt.Sprintf("last backup was %s ago", formatDuration(since))}
}

// MinInterval implements RateLimiter.
func (t *TimeBasedLimiter) MinInterval() time.Duration {
	return t.config.MinInterval
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0f minutes", d.Minutes())
	}
	return fmt.Sprintf("%.1f hours", d.Hours())
}
