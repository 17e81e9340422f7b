// Package notify delivers backup outcome messages to the operator.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Template names, also used as metric labels.
const (
	TemplateSuccess = "success"
	TemplateFailure = "failure"
)

const (
	successSubject = "Backup Successful"
	successBody    = "Your database backup was successful."
	failureSubject = "Backup Failed"
	failureBody    = "check your system"
)

// Message is a single plain-text email.
type Message struct {
	From     string
	To       string
	Subject  string
	Body     string
	Template string
}

// Notifier delivers a message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Details describes a finished run for the message body.
type Details struct {
	RunID     string
	Engine    string
	Object    string
	Phase     string
	Bytes     int64
	StartedAt time.Time
	Duration  time.Duration
	Warnings  []string
	Err       error
}

// SuccessMessage builds the success notification.
func SuccessMessage(from, to string, d Details) Message {
	var b strings.Builder
	b.WriteString(successBody)
	b.WriteString("\n\n")
	writeCommon(&b, d)
	if d.Bytes > 0 {
		fmt.Fprintf(&b, "Size:     %s\n", humanize.IBytes(uint64(d.Bytes)))
	}
	writeWarnings(&b, d.Warnings)

	return Message{
		From:     from,
		To:       to,
		Subject:  successSubject,
		Body:     b.String(),
		Template: TemplateSuccess,
	}
}

// FailureMessage builds the failure notification.
func FailureMessage(from, to string, d Details) Message {
	var b strings.Builder
	b.WriteString(failureBody)
	b.WriteString("\n\n")
	writeCommon(&b, d)
	if d.Phase != "" {
		fmt.Fprintf(&b, "Phase:    %s\n", d.Phase)
	}
	if d.Err != nil {
		fmt.Fprintf(&b, "Error:    %v\n", d.Err)
	}
	writeWarnings(&b, d.Warnings)

	return Message{
		From:     from,
		To:       to,
		Subject:  failureSubject,
		Body:     b.String(),
		Template: TemplateFailure,
	}
}

func writeCommon(b *strings.Builder, d Details) {
	if d.RunID != "" {
		fmt.Fprintf(b, "Run:      %s\n", d.RunID)
	}
	if d.Engine != "" {
		fmt.Fprintf(b, "Database: %s\n", d.Engine)
	}
	if d.Object != "" {
		fmt.Fprintf(b, "Object:   %s\n", d.Object)
	}
	if !d.StartedAt.IsZero() {
		fmt.Fprintf(b, "Started:  %s\n", d.StartedAt.UTC().Format(time.RFC3339))
	}
	if d.Duration > 0 {
		fmt.Fprintf(b, "Duration: %s\n", d.Duration.Round(time.Second))
	}
}

func writeWarnings(b *strings.Builder, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	b.WriteString("\nWarnings:\n")
	for _, w := range warnings {
		fmt.Fprintf(b, "  - %s\n", w)
	}
}
