package xcp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/remotefs/rcache/config"
	"github.com/remotefs/rcache/internal/bytesize"
	"github.com/remotefs/rcache/internal/remote/fakeremote"
)

func testConfig() config.XcpConfig {
	cfg := config.XcpConfig{
		BlockSize:         bytesize.ByteSize(1024),
		ChunkSize:         bytesize.ByteSize(256),
		SourceParallelism: 3,
		ChunkParallelism:  2,
		AllDoneTimeout:    2 * time.Second,
		SinkDepth:         64,
	}
	return cfg
}

// drain pulls every chunk GetChunk yields until Done/NoMoreReplicas, using
// AllDone to wait between Retry results, and reassembles them by offset.
func drain(t *testing.T, c *Ctx) ([]byte, Status) {
	t.Helper()

	chunks := make(map[int64][]byte)
	var final Status
	deadline := time.Now().Add(5 * time.Second)

loop:
	for {
		var info ChunkInfo
		status := c.GetChunk(&info)
		switch status {
		case Continue:
			chunks[info.Offset] = info.Data
		case Retry:
			if !c.AllDone() {
				if time.Now().After(deadline) {
					t.Fatalf("drain: timed out waiting for completion")
				}
				continue
			}
		default:
			final = status
			break loop
		}
	}

	var total int64
	for off, data := range chunks {
		if end := off + int64(len(data)); end > total {
			total = end
		}
	}
	out := make([]byte, total)
	for off, data := range chunks {
		copy(out[off:], data)
	}
	return out, final
}

func TestCopyAllSourcesHealthy(t *testing.T) {
	data := bytes.Repeat([]byte("xcp-data"), 512) // 4096 bytes
	opener := fakeremote.NewOpener(map[string][]byte{
		"src-a": data,
		"src-b": data,
		"src-c": data,
	})

	ctx := New(Opts{
		URLs:   []string{"src-a", "src-b", "src-c"},
		Config: testConfig(),
		Opener: opener,
	})

	if err := ctx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got, status := drain(t, ctx)
	if status != Done {
		t.Fatalf("expected Done, got %v", status)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestCopyAllSourcesRefuseYieldsNoMoreReplicas(t *testing.T) {
	opener := fakeremote.NewOpener(map[string][]byte{
		"src-a": nil,
	})
	opener.FailURL("src-a")

	ctx := New(Opts{
		URLs:   []string{"src-a"},
		Config: testConfig(),
		Opener: opener,
	})

	if err := ctx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, status := drain(t, ctx)
	if status != NoMoreReplicas {
		t.Fatalf("expected NoMoreReplicas, got %v", status)
	}
}

func TestInitializeFailsWithZeroSourceParallelism(t *testing.T) {
	cfg := testConfig()
	cfg.SourceParallelism = 0

	opener := fakeremote.NewOpener(nil)
	ctx := New(Opts{URLs: []string{"src-a"}, Config: cfg, Opener: opener})

	if err := ctx.Initialize(context.Background()); err == nil {
		t.Fatalf("expected errNoSourcesCreated with SourceParallelism=0, got nil")
	}
}

func TestWeakestLinkExcludesCallerAndRequiresData(t *testing.T) {
	ctx := New(Opts{Config: testConfig()})

	a := newSrc(ctx, 0)
	b := newSrc(ctx, 1)
	ctx.sources = []*Src{a, b}

	if got := ctx.WeakestLink(a); got != nil {
		t.Fatalf("expected nil when no other source has data, got %v", got)
	}

	b.pushWork(block{offset: 0, size: 10})
	if got := ctx.WeakestLink(a); got != b {
		t.Fatalf("expected WeakestLink to return b, got %v", got)
	}
	if got := ctx.WeakestLink(b); got != nil {
		t.Fatalf("WeakestLink must never return the excluded source")
	}
}

func TestStealSuffixTransfersBackHalf(t *testing.T) {
	ctx := New(Opts{Config: testConfig()})
	s := newSrc(ctx, 0)

	for i := int64(0); i < 4; i++ {
		s.pushWork(block{offset: i * 100, size: 100})
	}

	stolen := s.stealSuffix()
	if len(stolen) != 2 {
		t.Fatalf("expected half (2) of 4 blocks stolen, got %d", len(stolen))
	}
	if s.outstandingCount() != 0 {
		t.Fatalf("stealSuffix must not affect outstanding count")
	}
	if !s.hasData() {
		t.Fatalf("expected s to retain the front half")
	}
}

func TestGetBlockAdvancesCursorAndExhausts(t *testing.T) {
	ctx := New(Opts{Config: testConfig()})
	ctx.SetFileSize(2500)

	var total int64
	for {
		b := ctx.GetBlock()
		if b.size == 0 {
			break
		}
		total += b.size
	}
	if total != 2500 {
		t.Fatalf("expected blocks to cover the whole 2500-byte file, got %d", total)
	}
}
