package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/imedwei/db-backup-agent/internal/config"
	"github.com/imedwei/db-backup-agent/internal/metrics"
)

// RetryingNotifier retries a Notifier with bounded exponential backoff and
// records the outcome per template.
type RetryingNotifier struct {
	next         Notifier
	maxAttempts  int
	initialDelay time.Duration
	logger       *slog.Logger
}

// NewRetryingNotifier wraps next.
func NewRetryingNotifier(next Notifier, maxAttempts int, initialDelay time.Duration, logger *slog.Logger) *RetryingNotifier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingNotifier{
		next:         next,
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		logger:       logger,
	}
}

// Notify implements Notifier.
func (r *RetryingNotifier) Notify(ctx context.Context, msg Message) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.initialDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return r.next.Notify(ctx, msg)
	}, b, func(err error, wait time.Duration) {
		r.logger.Warn("Notification failed, retrying",
			"template", msg.Template,
			"attempt", attempt,
			"retry_in", wait,
			"error", err)
	})

	metrics.RecordNotification(msg.Template, err == nil)
	if err != nil {
		return fmt.Errorf("notification failed after %d attempts: %w", attempt, err)
	}
	return nil
}

// New builds the notifier selected by cfg.MailProvider.
func New(cfg *config.Config, logger *slog.Logger) Notifier {
	logger = logger.With("component", "notify")

	var n Notifier
	switch cfg.MailProvider {
	case config.MailProviderSMTP:
		n = NewSMTPNotifier(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			StartTLS: cfg.SMTPStartTLS,
			Timeout:  cfg.NotifyTimeout,
		})
	case config.MailProviderPostmark:
		n = NewPostmarkNotifier(cfg.PostmarkServerToken)
	default:
		n = NewLogNotifier(logger)
	}

	return NewRetryingNotifier(n, cfg.NotifyRetryAttempts, 2*time.Second, logger)
}
