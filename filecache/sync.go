package filecache

import (
	"context"
	"fmt"
	"time"

	"github.com/remotefs/rcache/internal/metrics"
	"github.com/remotefs/rcache/internal/sidecar"
)

// Sync implements spec.md §4.4: fsync the data file, rewrite the info-file
// header, promote any indices deferred during the sync barrier, then fsync
// the info file. Runs outside the block-map lock.
func (f *File) Sync(ctx context.Context) error {
	start := time.Now()

	if err := f.dataFile.Fsync(ctx); err != nil {
		return fmt.Errorf("filecache: fsync data file: %w", err)
	}

	if err := f.writeHeader(ctx); err != nil {
		return fmt.Errorf("filecache: write header: %w", err)
	}

	f.syncMu.Lock()
	for _, idx := range f.writesDuringSync {
		f.writeCalled.Set(idx)
	}
	f.nonFlushedCnt = len(f.writesDuringSync)
	f.writesDuringSync = nil
	f.inSync = false
	f.syncMu.Unlock()

	if err := f.infoFile.Fsync(ctx); err != nil {
		return fmt.Errorf("filecache: fsync info file: %w", err)
	}

	metrics.ObserveSync(f.mgr.Metrics, time.Since(start))
	return nil
}

func (f *File) writeHeader(ctx context.Context) error {
	f.blocks.Lock()
	header := &sidecar.Header{
		BufferSize:  uint32(f.bufferSize),
		BlockCount:  f.blockCount,
		Fetched:     f.fetched,
		WriteCalled: f.writeCalled,
		Prefetch:    f.prefetchBit,
	}
	f.blocks.Unlock()

	_, err := f.infoFile.WriteAt(ctx, header.Encode(), 0)
	return err
}
