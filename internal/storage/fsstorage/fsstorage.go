// Package fsstorage implements storage.Adapter against the local filesystem.
package fsstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/remotefs/rcache/internal/storage"
)

// Adapter is a storage.Adapter backed by *os.File.
type Adapter struct{}

// New creates a filesystem-backed storage.Adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Create(_ context.Context, path string, mode uint32, flags storage.OpenFlags) (storage.Handle, error) {
	if flags&storage.FlagCreate != 0 {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("fsstorage: create parent dir for %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, os.FileMode(mode))
	if err != nil {
		return nil, fmt.Errorf("fsstorage: create %q: %w", path, err)
	}
	return &handle{f: f}, nil
}

func (a *Adapter) Open(_ context.Context, path string, _ storage.OpenFlags) (storage.Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("fsstorage: open %q: %w", path, err)
	}
	return &handle{f: f}, nil
}

func (a *Adapter) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsstorage: remove %q: %w", path, err)
	}
	return nil
}

// handle wraps *os.File. WriteAt delegates to os.File.WriteAt, which keeps
// writing until buf is fully written or an error occurs; the cache's
// write-back path additionally retries short writes and EINTR up to its
// configured cap.
type handle struct {
	mu sync.Mutex
	f  *os.File
}

func (h *handle) ReadAt(_ context.Context, buf []byte, offset int64) (int, error) {
	n, err := h.f.ReadAt(buf, offset)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (h *handle) WriteAt(_ context.Context, buf []byte, offset int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.WriteAt(buf, offset)
}

func (h *handle) Fsync(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return unix.Fsync(int(h.f.Fd()))
}

func (h *handle) Size(_ context.Context) (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (h *handle) Close() error {
	if err := h.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
