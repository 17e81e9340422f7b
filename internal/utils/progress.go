// Package utils provides utility functions for the backup agent.
package utils

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultProgressInterval is how many bytes pass between progress callbacks.
const DefaultProgressInterval = 10 * 1024 * 1024

// ProgressFunc receives the running byte total and the time since start.
type ProgressFunc func(total int64, elapsed time.Duration)

// ProgressReader wraps an io.ReadSeeker and tracks the read position. Seeking
// moves the counter, so a rewound upload reports from the new offset.
type ProgressReader struct {
	reader      io.ReadSeeker
	position    atomic.Int64
	startTime   time.Time
	updateFunc  ProgressFunc
	updateEvery int64
}

// NewProgressReader creates a new progress tracking reader.
func NewProgressReader(reader io.ReadSeeker, updateFunc ProgressFunc) *ProgressReader {
	return &ProgressReader{
		reader:      reader,
		startTime:   time.Now(),
		updateFunc:  updateFunc,
		updateEvery: DefaultProgressInterval,
	}
}

// Read implements io.Reader interface with progress tracking.
func (pr *ProgressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		newTotal := pr.position.Add(int64(n))

		if pr.updateFunc != nil && (newTotal%pr.updateEvery) < int64(n) {
			pr.updateFunc(newTotal, time.Since(pr.startTime))
		}
	}
	return n, err
}

// Seek implements io.Seeker.
func (pr *ProgressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := pr.reader.Seek(offset, whence)
	if err == nil {
		pr.position.Store(pos)
	}
	return pos, err
}

// BytesRead returns the current read position.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.position.Load()
}

// ProgressWriter wraps an io.Writer and tracks bytes written.
type ProgressWriter struct {
	writer       io.Writer
	bytesWritten atomic.Int64
	startTime    time.Time
	updateFunc   ProgressFunc
	updateEvery  int64
}

// NewProgressWriter creates a new progress tracking writer.
func NewProgressWriter(writer io.Writer, updateFunc ProgressFunc) *ProgressWriter {
	return &ProgressWriter{
		writer:      writer,
		startTime:   time.Now(),
		updateFunc:  updateFunc,
		updateEvery: DefaultProgressInterval,
	}
}

// Write implements io.Writer interface with progress tracking.
func (pw *ProgressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.writer.Write(p)
	if n > 0 {
		newTotal := pw.bytesWritten.Add(int64(n))

		if pw.updateFunc != nil && (newTotal%pw.updateEvery) < int64(n) {
			pw.updateFunc(newTotal, time.Since(pw.startTime))
		}
	}
	return n, err
}

// BytesWritten returns the total number of bytes written.
func (pw *ProgressWriter) BytesWritten() int64 {
	return pw.bytesWritten.Load()
}

// FormatBytes formats bytes in human-readable IEC units.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatRate formats a transfer rate in human-readable format.
func FormatRate(total int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%s/s", FormatBytes(int64(float64(total)/elapsed.Seconds())))
}
