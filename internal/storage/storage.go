// Package storage defines the local byte-addressable file abstraction the
// cache engine persists blocks and side-car metadata through. It is
// intentionally narrow: Create/Open/Read/Write/Fsync/Close, mirroring the
// POSIX file primitives the wrapping shim ultimately exposes.
package storage

import "context"

// OpenFlags mirrors the subset of POSIX open(2) flags the cache engine needs.
type OpenFlags int

const (
	// FlagCreate creates the file (and any missing parent directories) if it
	// does not already exist.
	FlagCreate OpenFlags = 1 << iota
	// FlagReadWrite opens the file for both reading and writing.
	FlagReadWrite
)

// Handle is an open, byte-addressable file.
type Handle interface {
	// ReadAt reads len(buf) bytes starting at offset. Returns the number of
	// bytes read and an error if fewer than len(buf) bytes were available
	// for reasons other than a short remote image.
	ReadAt(ctx context.Context, buf []byte, offset int64) (int, error)

	// WriteAt writes buf at offset, retrying internally on short writes.
	// Returns the number of bytes written.
	WriteAt(ctx context.Context, buf []byte, offset int64) (int, error)

	// Fsync flushes both data and metadata to stable storage.
	Fsync(ctx context.Context) error

	// Size reports the current file size.
	Size(ctx context.Context) (int64, error)

	// Close releases the handle. Idempotent.
	Close() error
}

// Adapter creates and opens Handles. A single Adapter is shared across all
// files a process has open; implementations must be safe for concurrent use.
type Adapter interface {
	// Create creates path with the given permission mode if it does not
	// already exist, creating parent directories as needed when
	// FlagCreate is set, then opens it.
	Create(ctx context.Context, path string, mode uint32, flags OpenFlags) (Handle, error)

	// Open opens an existing path. Returns an error if it does not exist.
	Open(ctx context.Context, path string, flags OpenFlags) (Handle, error)

	// Remove deletes path. Idempotent: succeeds if path does not exist.
	Remove(ctx context.Context, path string) error
}
