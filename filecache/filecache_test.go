package filecache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/remotefs/rcache/config"
	"github.com/remotefs/rcache/internal/bytesize"
	"github.com/remotefs/rcache/internal/ram"
	"github.com/remotefs/rcache/internal/remote/fakeremote"
	"github.com/remotefs/rcache/internal/sched"
	"github.com/remotefs/rcache/internal/storage/memstorage"
)

func newTestManager(t *testing.T, bufferSize bytesize.ByteSize) *Manager {
	t.Helper()
	broker, err := ram.New(64*bytesize.MiB, bufferSize)
	if err != nil {
		t.Fatalf("ram.New: %v", err)
	}
	t.Cleanup(broker.Close)

	cfg := config.CacheConfig{}
	cfg.BufferSize = bufferSize
	cfg.SyncThreshold = 1
	cfg.MaxWriteRetries = 10
	cfg.MaxResidentPrefetch = 3
	cfg.RemoteRetryWindow = 5 * time.Millisecond

	pool := sched.NewPool(2, 16)
	t.Cleanup(pool.Close)

	return &Manager{
		Storage:    memstorage.New(),
		RAM:        broker,
		WriteQueue: pool,
		Config:     cfg,
	}
}

func waitForBlocksWritten(t *testing.T, f *File) {
	t.Helper()
	// writeBlockToDisk runs on the manager's write-queue pool; give it a
	// chance to drain before asserting on-disk state.
	for i := 0; i < 200; i++ {
		f.blocks.Lock()
		empty := f.blocks.Len() == 0
		f.blocks.Unlock()
		if empty {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for block map to drain")
}

func TestReadReturnsRemoteBytes(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte("abcd"), 1024) // 4096 bytes
	mgr := newTestManager(t, 1024)

	f, err := Open(ctx, mgr, "p1", "/p1", fakeremote.New(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, len(data))
	n, errno := f.Read(ctx, buf, 0, len(data))
	if errno != ErrnoNone {
		t.Fatalf("unexpected errno %d", errno)
	}
	if n != len(data) {
		t.Fatalf("expected %d bytes, got %d", len(data), n)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("payload mismatch")
	}

	waitForBlocksWritten(t, f)
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFetchedBlockServedFromDisk(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte{0x42}, 2048)
	mgr := newTestManager(t, 1024)

	f, err := Open(ctx, mgr, "p2", "/p2", fakeremote.New(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 1024)
	if _, errno := f.Read(ctx, buf, 0, 1024); errno != ErrnoNone {
		t.Fatalf("first read errno %d", errno)
	}
	waitForBlocksWritten(t, f)

	if !f.fetched.IsSet(0) {
		t.Fatalf("expected fetched[0] set after write-back")
	}

	before := f.bytesDisk
	buf2 := make([]byte, 1024)
	if _, errno := f.Read(ctx, buf2, 0, 1024); errno != ErrnoNone {
		t.Fatalf("second read errno %d", errno)
	}
	if f.bytesDisk <= before {
		t.Fatalf("expected BytesDisk to increase on a disk-served read")
	}
	if !bytes.Equal(buf2, data[:1024]) {
		t.Fatalf("disk-served payload mismatch")
	}

	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUnrecoverableBlockFailureSurfacesErrno(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte{0x7}, 1024)
	reader := fakeremote.New(data)
	reader.FailOnce(0, 42)

	mgr := newTestManager(t, 1024)
	f, err := Open(ctx, mgr, "p3", "/p3", reader)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 1024)
	n, errno := f.Read(ctx, buf, 0, 1024)
	if n != -1 || errno != 42 {
		t.Fatalf("expected (-1, 42), got (%d, %d)", n, errno)
	}

	f.blocks.Lock()
	blk := f.blocks.Lookup(0)
	f.blocks.Unlock()
	if blk == nil || !blk.IsFinished() || blk.IsOk() {
		t.Fatalf("expected block 0 to remain in map, finished and failed")
	}

	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestReadVFansOutIndependentRanges(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte("xyz0"), 1024) // 4096 bytes
	mgr := newTestManager(t, 1024)

	f, err := Open(ctx, mgr, "p5", "/p5", fakeremote.New(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bufs := [][]byte{make([]byte, 1024), make([]byte, 1024), make([]byte, 1024), make([]byte, 1024)}
	offsets := []int64{0, 1024, 2048, 3072}

	ns, errnos := f.ReadV(ctx, bufs, offsets)
	for i, errno := range errnos {
		if errno != ErrnoNone {
			t.Fatalf("range %d: unexpected errno %d", i, errno)
		}
		if ns[i] != 1024 {
			t.Fatalf("range %d: expected 1024 bytes, got %d", i, ns[i])
		}
		if !bytes.Equal(bufs[i], data[offsets[i]:offsets[i]+1024]) {
			t.Fatalf("range %d: payload mismatch", i)
		}
	}

	waitForBlocksWritten(t, f)
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRefcountConservationAcrossRead(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte{1}, 4096)
	mgr := newTestManager(t, 1024)

	f, err := Open(ctx, mgr, "p4", "/p4", fakeremote.New(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, len(data))
	if _, errno := f.Read(ctx, buf, 0, len(data)); errno != ErrnoNone {
		t.Fatalf("read errno %d", errno)
	}
	waitForBlocksWritten(t, f)

	f.blocks.Lock()
	remaining := f.blocks.Len()
	f.blocks.Unlock()
	if remaining != 0 {
		t.Fatalf("expected block map drained to zero after write-back, got %d resident", remaining)
	}

	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := mgr.RAM.Outstanding(); got != 0 {
		t.Fatalf("expected zero outstanding RAM grants at teardown, got %d", got)
	}
}
