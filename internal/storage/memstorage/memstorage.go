// Package memstorage implements storage.Adapter entirely in memory, for
// deterministic tests of the cache engine without touching the filesystem.
package memstorage

import (
	"context"
	"fmt"
	"sync"

	"github.com/remotefs/rcache/internal/storage"
)

// Adapter is an in-memory storage.Adapter. Files persist for the lifetime
// of the Adapter value.
type Adapter struct {
	mu    sync.Mutex
	files map[string]*file
}

// New creates an empty in-memory storage.Adapter.
func New() *Adapter {
	return &Adapter{files: make(map[string]*file)}
}

func (a *Adapter) Create(_ context.Context, path string, _ uint32, _ storage.OpenFlags) (storage.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.files[path]
	if !ok {
		f = &file{}
		a.files[path] = f
	}
	return &handle{f: f}, nil
}

func (a *Adapter) Open(_ context.Context, path string, _ storage.OpenFlags) (storage.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.files[path]
	if !ok {
		return nil, fmt.Errorf("memstorage: %q does not exist", path)
	}
	return &handle{f: f}, nil
}

func (a *Adapter) Remove(_ context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, path)
	return nil
}

type file struct {
	mu   sync.Mutex
	data []byte
}

type handle struct {
	f *file
}

func (h *handle) ReadAt(_ context.Context, buf []byte, offset int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()

	if offset >= int64(len(h.f.data)) {
		return 0, nil
	}
	n := copy(buf, h.f.data[offset:])
	return n, nil
}

func (h *handle) WriteAt(_ context.Context, buf []byte, offset int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()

	end := offset + int64(len(buf))
	if end > int64(len(h.f.data)) {
		grown := make([]byte, end)
		copy(grown, h.f.data)
		h.f.data = grown
	}
	copy(h.f.data[offset:end], buf)
	return len(buf), nil
}

func (h *handle) Fsync(_ context.Context) error { return nil }

func (h *handle) Size(_ context.Context) (int64, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return int64(len(h.f.data)), nil
}

func (h *handle) Close() error { return nil }
