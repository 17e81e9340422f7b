package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/imedwei/db-backup-agent/internal/config"
	"github.com/imedwei/db-backup-agent/internal/utils"
)

const (
	stderrTailSize  = 4096
	writeBufferSize = 1 << 20
	killGracePeriod = 10 * time.Second
)

// DumpError reports a failed dump process.
type DumpError struct {
	Tool     string
	ExitCode int // -1 when the process never exited normally
	Stderr   string
	Err      error
}

func (e *DumpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Tool)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " exited with code %d", e.ExitCode)
	} else {
		b.WriteString(" failed")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, " (stderr: %s)", e.Stderr)
	}
	return b.String()
}

func (e *DumpError) Unwrap() error {
	return e.Err
}

// commandDumper runs a dump binary and streams its stdout into the archive.
type commandDumper struct {
	tool        string
	compression string
	logger      *slog.Logger
}

// run executes bin with args and writes stdout to destPath, compressing it
// first when zstd is configured.
func (d *commandDumper) run(ctx context.Context, bin string, args []string, destPath string) (err error) {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return &DumpError{Tool: d.tool, ExitCode: -1, Err: fmt.Errorf("failed to create archive: %w", err)}
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = &DumpError{Tool: d.tool, ExitCode: -1, Err: fmt.Errorf("failed to close archive: %w", closeErr)}
		}
	}()

	bw := bufio.NewWriterSize(f, writeBufferSize)
	pw := utils.NewProgressWriter(bw, func(total int64, elapsed time.Duration) {
		d.logger.Info("Dump progress",
			"written", utils.FormatBytes(total),
			"rate", utils.FormatRate(total, elapsed))
	})

	var out io.Writer = pw
	var enc *zstd.Encoder
	if d.compression == config.CompressionZstd {
		enc, err = zstd.NewWriter(pw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return &DumpError{Tool: d.tool, ExitCode: -1, Err: fmt.Errorf("failed to create zstd encoder: %w", err)}
		}
		out = enc
	}

	stderr := &tailBuffer{limit: stderrTailSize}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = out
	cmd.Stderr = stderr
	cmd.WaitDelay = killGracePeriod

	d.logger.Info("Starting dump", "tool", d.tool, "binary", bin, "destination", destPath)
	start := time.Now()

	runErr := cmd.Run()

	// Flush whatever was produced even on failure so the partial archive can
	// be inspected when the run is interrupted.
	var flushErr error
	if enc != nil {
		flushErr = enc.Close()
	}
	if err := bw.Flush(); err != nil && flushErr == nil {
		flushErr = err
	}

	if runErr != nil {
		return d.wrapRunError(ctx, runErr, stderr.String())
	}
	if flushErr != nil {
		return &DumpError{Tool: d.tool, ExitCode: -1, Err: fmt.Errorf("failed to write archive: %w", flushErr)}
	}
	if err := f.Sync(); err != nil {
		return &DumpError{Tool: d.tool, ExitCode: -1, Err: fmt.Errorf("failed to sync archive: %w", err)}
	}

	elapsed := time.Since(start)
	d.logger.Info("Dump finished",
		"tool", d.tool,
		"bytes", pw.BytesWritten(),
		"size", utils.FormatBytes(pw.BytesWritten()),
		"duration", elapsed,
		"rate", utils.FormatRate(pw.BytesWritten(), elapsed))

	return nil
}

func (d *commandDumper) wrapRunError(ctx context.Context, runErr error, stderr string) error {
	de := &DumpError{Tool: d.tool, ExitCode: -1, Stderr: stderr, Err: runErr}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		de.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		de.Err = fmt.Errorf("%w: %v", ctxErr, runErr)
	}
	return de
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// redactURI hides the password of a connection URI for logging.
func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return "<redacted>"
	}
	return u.Redacted()
}

func splitOptions(options string) []string {
	return strings.Fields(options)
}
