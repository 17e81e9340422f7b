// Package storage defines the interface for backup storage providers.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Stat when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Storage defines the object store operations the backup lifecycle needs.
type Storage interface {
	// Put stores body under key. The object becomes visible only if the whole
	// body was transferred; a failed Put leaves no object behind.
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error

	// Delete removes the object with the given key. Deleting a missing object
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Stat returns information about an object, or ErrNotFound.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Copy duplicates srcKey to dstKey server side, replacing dstKey.
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// ObjectInfo contains information about a stored backup.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Exists reports whether key is present in s.
func Exists(ctx context.Context, s Storage, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the client behind s when the provider holds one.
func Close(s Storage) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
