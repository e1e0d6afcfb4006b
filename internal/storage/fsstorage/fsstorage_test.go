package fsstorage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/remotefs/rcache/internal/storage"
)

func TestCreateWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := New()
	path := filepath.Join(t.TempDir(), "sub", "dir", "payload.dat")

	h, err := a.Create(ctx, path, 0o644, storage.FlagCreate)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := []byte("hello fsstorage")
	n, err := h.WriteAt(ctx, data, 0)
	if err != nil || n != len(data) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	if err := h.Fsync(ctx); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	size, err := h.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), size)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := a.Open(ctx, path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h2.Close()

	buf := make([]byte, len(data))
	if _, err := h2.ReadAt(ctx, buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != string(data) {
		t.Fatalf("payload mismatch: got %q", buf)
	}
}

func TestOpenMissingReturnsError(t *testing.T) {
	ctx := context.Background()
	a := New()
	if _, err := a.Open(ctx, filepath.Join(t.TempDir(), "missing"), 0); err == nil {
		t.Fatalf("expected error opening missing file")
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	a := New()
	if err := a.Remove(ctx, filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Fatalf("Remove of missing file should be a no-op, got %v", err)
	}
}
