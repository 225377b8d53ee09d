// Package objstore abstracts the durable object store that holds source log
// objects and the checkpoint document.
//
// A Service is one storage account; a Container is a named namespace inside it
// (a directory on the filesystem backend, a bucket on GCS). Object names use
// "/" as separator regardless of backend.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// Sentinel errors.
var (
	// ErrNotExist is returned by Read when the named object is absent.
	ErrNotExist = errors.New("object does not exist")

	// ErrNoConnection is returned by Open for an empty connection identifier.
	ErrNoConnection = errors.New("storage connection is empty")

	// ErrUnsupportedConnection is returned by Open for an unknown scheme.
	ErrUnsupportedConnection = errors.New("unsupported storage connection")

	// ErrInvalidName is returned for object names that escape the container.
	ErrInvalidName = errors.New("invalid object name")
)

// Connection scheme prefixes understood by Open.
const (
	SchemeFile   = "file://"
	SchemeGCS    = "gs://"
	SchemeMemory = "mem://"
)

// Container is a flat namespace of objects.
type Container interface {
	// List yields every object whose name starts with prefix. A listing
	// failure is yielded once as a non-nil error, after which iteration stops.
	List(ctx context.Context, prefix string) iter.Seq2[model.ObjectInfo, error]

	// Read returns the full content of the named object, or an error
	// wrapping ErrNotExist.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write replaces the named object atomically: readers observe either the
	// old content or the new content, never a mix.
	Write(ctx context.Context, name string, data []byte) error
}

// Service hands out containers of one storage account.
type Service interface {
	Container(name string) Container
	Close() error
}

// Open resolves a storage connection identifier to a Service.
//
// Recognized forms are "file:///abs/path" or a bare path for the local
// filesystem, "gs://" for Google Cloud Storage with ambient credentials, and
// "mem://" for a process-local store.
func Open(ctx context.Context, connection string) (Service, error) {
	conn := strings.TrimSpace(connection)

	switch {
	case conn == "":
		return nil, ErrNoConnection
	case strings.HasPrefix(conn, SchemeMemory):
		return NewMemory(), nil
	case strings.HasPrefix(conn, SchemeGCS):
		return NewGCS(ctx)
	case strings.HasPrefix(conn, SchemeFile):
		return NewFilesystem(strings.TrimPrefix(conn, SchemeFile))
	case strings.Contains(conn, "://"), strings.Contains(conn, "AccountName="):
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedConnection, redact(conn))
	default:
		return NewFilesystem(conn)
	}
}

// redact trims a connection identifier so account keys never reach logs.
func redact(conn string) string {
	if idx := strings.IndexAny(conn, ";?"); idx >= 0 {
		return conn[:idx] + "..."
	}

	return conn
}
