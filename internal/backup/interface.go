// Package backup runs the dump, upload, promote and notify lifecycle.
package backup

import (
	"context"
)

// Producer writes a point-in-time snapshot of a database to a local file.
type Producer interface {
	// Dump connects to connectionURI and writes the snapshot to destPath,
	// replacing any existing file. A non-nil error means destPath may hold a
	// partial archive.
	Dump(ctx context.Context, connectionURI, destPath string) error

	// Name identifies the dump tool in logs and notifications.
	Name() string
}

// Describer is implemented by producers that can report on the database
// before dumping it.
type Describer interface {
	Describe(ctx context.Context) (*DatabaseInfo, error)
}

// DatabaseInfo contains information about the database.
type DatabaseInfo struct {
	Name    string
	Size    int64
	Version string
}
