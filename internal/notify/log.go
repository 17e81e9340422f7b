package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes messages to the structured log instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	level := slog.LevelInfo
	if msg.Template == TemplateFailure {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "Notification",
		"subject", msg.Subject,
		"to", msg.To,
		"body", msg.Body)
	return nil
}
