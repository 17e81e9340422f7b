package backup

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunInProgress is returned by Orchestrator.Run when another run holds the
// local archive path and the remote slot.
var ErrRunInProgress = errors.New("backup run already in progress")

// Phase is a step of the backup lifecycle.
type Phase int

// Lifecycle phases in execution order.
const (
	PhaseIdle Phase = iota
	PhaseDumping
	PhaseUploading
	PhaseReconciling
	PhasePromoting
	PhaseCleaningUp
	PhaseNotifying
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDumping:
		return "dumping"
	case PhaseUploading:
		return "uploading"
	case PhaseReconciling:
		return "reconciling"
	case PhasePromoting:
		return "promoting"
	case PhaseCleaningUp:
		return "cleaning up"
	case PhaseNotifying:
		return "notifying"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Kind classifies a run failure.
type Kind int

// Failure kinds.
const (
	KindDump Kind = iota + 1
	KindStore
	KindNotify
	KindFilesystem
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindDump:
		return "dump"
	case KindStore:
		return "store"
	case KindNotify:
		return "notify"
	case KindFilesystem:
		return "filesystem"
	case KindInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RunError is the terminal error of a failed run.
type RunError struct {
	Kind  Kind
	Phase Phase
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s error while %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Run records one lifecycle execution.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Phase      Phase
	LocalPath  string
	RemoteKey  string
	StagingKey string
	Bytes      int64
	Warnings   []string

	// Err is nil for a successful run and a *RunError otherwise.
	Err error

	// NotifyErr is set when the outcome notification could not be delivered.
	// It never changes the outcome.
	NotifyErr error
}

// Succeeded reports whether the snapshot reached the canonical key.
func (r *Run) Succeeded() bool {
	return r.Err == nil
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome is a short, stable label for the run result.
func (r *Run) Outcome() string {
	if r.Err == nil {
		return "success"
	}
	var re *RunError
	if !errors.As(r.Err, &re) {
		return "failed"
	}
	if re.Kind == KindInterrupted {
		return "interrupted"
	}
	switch re.Phase {
	case PhaseDumping:
		return "dump_failed"
	case PhaseUploading:
		return "upload_failed"
	case PhasePromoting:
		return "promote_failed"
	default:
		return "failed"
	}
}

func (r *Run) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
