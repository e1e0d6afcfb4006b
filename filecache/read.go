package filecache

import (
	"context"
	"sync"
	"time"

	"github.com/remotefs/rcache/internal/blockmap"
	"github.com/remotefs/rcache/internal/metrics"
	"github.com/remotefs/rcache/internal/remote"
)

type classification int

const (
	classToProcess classification = iota
	classOnDisk
	classDirect
)

type blockPlan struct {
	index  uint32
	offset int64
	size   uint32
	class  classification
	blk    *blockmap.Block // set for classToProcess
}

// directState is the shared completion counter for blocks served without
// caching (RAM grant denied), per spec.md §4.2 step 3.
type directState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	remaining int
	errno     int
}

func newDirectState() *directState {
	d := &directState{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *directState) done(errno int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if errno != 0 && d.errno == 0 {
		d.errno = errno
	}
	d.remaining--
	if d.remaining == 0 {
		d.cond.Broadcast()
	}
}

func (d *directState) wait() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.remaining > 0 {
		d.cond.Wait()
	}
	return d.errno
}

// Read satisfies [offset, offset+size) against the remote file, classifying
// each covered block as in-map, on-disk, or absent (spec.md §4.2). Returns
// the number of bytes copied into buf, or -1 with errno set on failure.
func (f *File) Read(ctx context.Context, buf []byte, offset int64, size int) (int, int) {
	if size == 0 {
		return 0, ErrnoNone
	}
	if remaining := f.fileSize - offset; int64(size) > remaining {
		if remaining <= 0 {
			return 0, ErrnoNone
		}
		size = int(remaining)
	}

	start := time.Now()
	idxFirst := uint32(offset / f.bufferSize)
	idxLast := uint32((offset + int64(size) - 1) / f.bufferSize)

	var plans []blockPlan
	direct := newDirectState()

	f.blocks.Lock()
	for i := idxFirst; i <= idxLast; i++ {
		off := blockOffset(i, f.bufferSize)
		sz := blockSize(i, f.bufferSize, f.fileSize)
		if sz == 0 {
			continue
		}

		if blk := f.blocks.Lookup(i); blk != nil {
			f.blocks.Incref(blk)
			plans = append(plans, blockPlan{index: i, offset: off, size: sz, class: classToProcess, blk: blk})
			continue
		}

		if f.fetched.IsSet(i) {
			plans = append(plans, blockPlan{index: i, offset: off, size: sz, class: classOnDisk})
			continue
		}

		if f.mgr.RAM.RequestRAMBlock(f.payloadID, i) {
			blk := f.blocks.Insert(i, off, sz, false)
			f.issueRemoteRead(ctx, blk)
			plans = append(plans, blockPlan{index: i, offset: off, size: sz, class: classToProcess, blk: blk})
			continue
		}

		plans = append(plans, blockPlan{index: i, offset: off, size: sz, class: classDirect})
	}
	f.blocks.Unlock()

	var directCount int
	for _, p := range plans {
		if p.class == classDirect {
			directCount++
		}
	}
	direct.mu.Lock()
	direct.remaining = directCount
	direct.mu.Unlock()

	var directBytes int64
	for _, p := range plans {
		if p.class != classDirect {
			continue
		}
		p := p
		destOff, blkOff, n, ok := overlap(p.offset, p.size, offset, size)
		if !ok {
			direct.done(0)
			continue
		}
		dest := buf[destOff : destOff+n]
		directBytes += n
		f.remoteR.Read(ctx, p.offset+blkOff, int(n), dest, remote.HandlerFunc(func(status remote.Status, resp remote.Response) {
			if !status.OK {
				direct.done(status.Errno)
				return
			}
			copy(dest, resp.Data)
			direct.done(0)
		}))
	}

	errno := ErrnoNone
	var bytesDisk, bytesRAM, bytesMissed int64

	for _, p := range plans {
		if p.class != classOnDisk {
			continue
		}
		destOff, blkOff, n, ok := overlap(p.offset, p.size, offset, size)
		if !ok {
			continue
		}
		got, err := f.dataFile.ReadAt(ctx, buf[destOff:destOff+n], p.offset+blkOff)
		if err != nil || int64(got) != n {
			errno = ErrnoDiskRead
			continue
		}
		bytesDisk += n
	}

	f.blocks.Lock()
	for _, p := range plans {
		if p.class != classToProcess {
			continue
		}
		for !p.blk.IsFinished() {
			f.blocks.Wait()
		}
		if !p.blk.IsOk() {
			errno = p.blk.Errno()
			continue
		}
		destOff, blkOff, n, ok := overlap(p.offset, p.size, offset, size)
		if ok {
			copy(buf[destOff:destOff+n], p.blk.Data[blkOff:blkOff+n])
			if p.blk.Prefetch {
				bytesRAM += n
				f.recordPrefetchHit()
			} else {
				bytesMissed += n
			}
		}
	}
	f.blocks.Unlock()

	if waitErrno := direct.wait(); waitErrno != 0 {
		if errno == 0 {
			errno = waitErrno
		}
	} else {
		bytesMissed += directBytes
	}

	f.blocks.Lock()
	for _, p := range plans {
		if p.class != classToProcess {
			continue
		}
		if f.blocks.Decref(p.blk) {
			f.mgr.RAM.RAMBlockReleased()
		}
	}
	f.blocks.Unlock()

	f.recordStats(bytesDisk, bytesRAM, bytesMissed)
	metrics.ObserveRead(f.mgr.Metrics, bytesDisk, bytesRAM, bytesMissed, time.Since(start))

	if errno != ErrnoNone {
		return -1, errno
	}
	return size, ErrnoNone
}

// issueRemoteRead starts the remote fetch for a newly inserted block and
// wires its completion into the write-back path (spec.md §4.3 step 1). On
// failure it retries in the background with exponential backoff, bounded by
// RemoteRetryWindow (spec.md §9's bounded-retry-with-backoff open question);
// the Pending->{Ok,Failed} transition still happens exactly once, since only
// a success or a deadline-exhausted failure ever calls blocks.Complete.
// Caller must hold f.blocks' lock; the read itself runs outside it.
func (f *File) issueRemoteRead(ctx context.Context, blk *blockmap.Block) {
	window := f.mgr.Config.RemoteRetryWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	backoff := f.mgr.Config.RemoteRetryBackoffBase
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	f.attemptRemoteRead(ctx, blk, time.Now().Add(window), backoff)
}

const remoteRetryBackoffCap = 5 * time.Second

// attemptRemoteRead issues one fetch attempt for blk. A failure before the
// deadline schedules another attempt after backoff (doubled, capped); once
// the deadline passes, or the file is stopping, or the fetch succeeds, it
// completes the block exactly once and, on success, schedules the write-back
// job.
func (f *File) attemptRemoteRead(ctx context.Context, blk *blockmap.Block, deadline time.Time, backoff time.Duration) {
	start := time.Now()
	f.remoteR.Read(ctx, blk.Offset, int(blk.Size), nil, remote.HandlerFunc(func(status remote.Status, resp remote.Response) {
		metrics.ObserveBlockFetch(f.mgr.Metrics, status.OK, time.Since(start))

		f.stateMu.Lock()
		stopping := f.stopping
		f.stateMu.Unlock()

		if !status.OK && !stopping && time.Now().Add(backoff).Before(deadline) {
			next := backoff * 2
			if next > remoteRetryBackoffCap {
				next = remoteRetryBackoffCap
			}
			time.AfterFunc(backoff, func() {
				f.attemptRemoteRead(ctx, blk, deadline, next)
			})
			return
		}

		errno := status.Errno
		if !status.OK && errno == 0 {
			errno = ErrnoBlockFetch
		}

		f.blocks.Lock()
		if status.OK {
			f.blocks.Complete(blk, resp.Data, 0)
		} else {
			f.blocks.Complete(blk, nil, errno)
		}
		ok := blk.IsOk()
		if ok || !stopping {
			// Take the write job's own reference (success) or the retention
			// reference (permanent failure) in the same critical section as
			// Complete, so a woken reader's Decref cannot remove the block
			// first.
			f.blocks.Incref(blk)
		}
		f.blocks.Unlock()

		if blk.Prefetch {
			f.decrefPrefetchCurrent()
		}

		if ok {
			f.mgr.WriteQueue.Schedule(&writeJob{f: f, blk: blk})
			return
		}

		if !stopping {
			// Permanently failed after exhausting the retry window: the
			// block must stay observable rather than vanish the instant
			// the reader's own Decref lands, so the extra reference taken
			// above stays open for RemoteRetryWindow, then is released.
			f.retainFailedBlock(blk)
		}
	}))
}

// retainFailedBlock releases the extra reference held on a permanently
// failed block after RemoteRetryWindow elapses, without touching the
// block's state again (the Pending->Failed transition already happened
// exactly once).
func (f *File) retainFailedBlock(blk *blockmap.Block) {
	window := f.mgr.Config.RemoteRetryWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	time.AfterFunc(window, func() {
		f.blocks.Lock()
		removed := f.blocks.Decref(blk)
		f.blocks.Unlock()
		if removed {
			f.mgr.RAM.RAMBlockReleased()
		}
	})
}

// decrefPrefetchCurrent decrements prefetchCurrentCnt under stateMu, per
// spec.md §4.5's "prefetchCurrentCnt is maintained under a separate state
// mutex to serialise close vs. in-flight prefetch".
func (f *File) decrefPrefetchCurrent() {
	f.stateMu.Lock()
	if f.prefetchCurrentCnt > 0 {
		f.prefetchCurrentCnt--
	}
	f.stateCond.Broadcast()
	f.stateMu.Unlock()
}
