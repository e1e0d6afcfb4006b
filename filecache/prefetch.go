package filecache

import "context"

// Prefetch implements spec.md §4.5: if eligible, speculatively fetch the
// lowest-indexed block that is neither on disk nor already in the map,
// subject to the RAM broker and a cap on the number of blocks in the block
// map (prefetched or not).
func (f *File) Prefetch(ctx context.Context) {
	f.stateMu.Lock()
	if f.stopping {
		f.stateMu.Unlock()
		return
	}
	f.stateMu.Unlock()

	maxResident := f.mgr.Config.MaxResidentPrefetch
	if maxResident <= 0 {
		maxResident = 3
	}

	f.blocks.Lock()
	if f.isComplete() || f.blocks.Len() >= maxResident {
		f.blocks.Unlock()
		f.maybeDeregister(ctx)
		return
	}

	idx, found := f.lowestAbsentLocked()
	if !found {
		f.blocks.Unlock()
		f.maybeDeregister(ctx)
		return
	}

	if !f.mgr.RAM.RequestRAMBlock(f.payloadID, idx) {
		f.blocks.Unlock()
		return
	}

	off := blockOffset(idx, f.bufferSize)
	sz := blockSize(idx, f.bufferSize, f.fileSize)
	blk := f.blocks.Insert(idx, off, sz, true)
	f.issueRemoteRead(ctx, blk)
	f.blocks.Unlock()

	f.prefetchBit.Set(idx)

	f.stateMu.Lock()
	f.prefetchCurrentCnt++
	f.stateMu.Unlock()

	f.prefetchScoreMu.Lock()
	f.prefetchReadCnt++
	f.prefetchScoreMu.Unlock()
	f.updatePrefetchScore()
}

// lowestAbsentLocked scans fetched[] for the lowest index neither on disk
// nor present in the block map. Caller must hold f.blocks' lock.
func (f *File) lowestAbsentLocked() (uint32, bool) {
	for i := uint32(0); i < f.blockCount; i++ {
		if f.fetched.IsSet(i) {
			continue
		}
		if f.blocks.Lookup(i) != nil {
			continue
		}
		return i, true
	}
	return 0, false
}

func (f *File) maybeDeregister(ctx context.Context) {
	if !f.isComplete() {
		return
	}
	if f.mgr.Prefetcher != nil {
		f.mgr.Prefetcher.Deregister(f)
	}
}
