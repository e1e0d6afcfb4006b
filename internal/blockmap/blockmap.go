// Package blockmap implements the per-file block map: the single
// condition-variable-guarded structure that tracks in-flight and finished
// blocks for one cached file.
package blockmap

import (
	"sync"
)

// State is the lifecycle stage of a Block.
type State int

const (
	// Pending means the block was created and a remote read issued.
	Pending State = iota
	// Ok means the remote read completed successfully.
	Ok
	// Failed means the remote read completed with a nonzero errno.
	Failed
)

// Block is a fixed-size (last block may be short) in-flight or resident
// buffer, owned by exactly one file's Map.
type Block struct {
	Index     uint32
	Offset    int64
	Size      uint32
	Prefetch  bool
	Data      []byte
	state     State
	errno     int
	refcount  int
}

// IsFinished reports whether the remote read has completed, successfully or not.
func (b *Block) IsFinished() bool {
	return b.state == Ok || b.state == Failed
}

// IsOk reports whether the block downloaded successfully.
func (b *Block) IsOk() bool {
	return b.state == Ok
}

// Errno returns the stored error code; zero if the block is not Failed.
func (b *Block) Errno() int {
	return b.errno
}

// complete transitions a Pending block to Ok or Failed exactly once.
func (b *Block) complete(data []byte, errno int) {
	if errno != 0 {
		b.state = Failed
		b.errno = errno
		return
	}
	b.Data = data
	b.state = Ok
}

// Map is the per-file block map. It is guarded by a single mutex/condition
// pair (spec.md §4.1's `downloadCond`): all refcount mutation, insertion,
// removal, and completion-bit inspection happens under Lock/Unlock, and
// Broadcast wakes waiters on every block completion.
type Map struct {
	mu      sync.Mutex
	cond    *sync.Cond
	blocks  map[uint32]*Block
}

// New creates an empty block map.
func New() *Map {
	m := &Map{blocks: make(map[uint32]*Block)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the map's mutex. Callers compose Lookup/Insert/Remove/Wait
// under a single Lock/Unlock pair per spec.md's lock-ordering rule: at most
// one of downloadCond/syncStatusMutex/stateCond may be held at a time.
func (m *Map) Lock() { m.mu.Lock() }

// Unlock releases the map's mutex.
func (m *Map) Unlock() { m.mu.Unlock() }

// Lookup returns the block at index, or nil. Caller must hold the lock.
func (m *Map) Lookup(index uint32) *Block {
	return m.blocks[index]
}

// Insert adds a new Pending block with refcount 1 (the caller's reference)
// and returns it. Caller must hold the lock.
func (m *Map) Insert(index uint32, offset int64, size uint32, prefetch bool) *Block {
	b := &Block{
		Index:    index,
		Offset:   offset,
		Size:     size,
		Prefetch: prefetch,
		state:    Pending,
		refcount: 1,
	}
	m.blocks[index] = b
	return b
}

// Incref bumps a block's refcount. Caller must hold the lock.
func (m *Map) Incref(b *Block) {
	b.refcount++
}

// Decref decrements a block's refcount, removing it from the map if the
// block is finished and the count reaches zero. Returns true iff the block
// was removed (the caller should return its RAM grant). Caller must hold
// the lock.
func (m *Map) Decref(b *Block) bool {
	b.refcount--
	if b.refcount < 0 {
		b.refcount = 0
	}
	// A block already swept out of the map (or replaced at its index) is
	// not removed again.
	removed := b.IsFinished() && b.refcount == 0 && m.blocks[b.Index] == b
	if removed {
		delete(m.blocks, b.Index)
	}
	// Broadcast on every refcount change, not just completion: the close
	// path waits on this condition for the map to drain to empty.
	m.cond.Broadcast()
	return removed
}

// Complete transitions a block to Ok (errno==0) or Failed, and broadcasts
// to wake every waiter. Caller must hold the lock.
func (m *Map) Complete(b *Block, data []byte, errno int) {
	b.complete(data, errno)
	m.cond.Broadcast()
}

// Wait blocks on the block-completion condition. Caller must hold the lock;
// it is released while waiting and re-acquired before Wait returns.
func (m *Map) Wait() {
	m.cond.Wait()
}

// Broadcast wakes every waiter without mutating state, used when a
// close-driven sweep changes map membership. Caller must hold the lock.
func (m *Map) Broadcast() {
	m.cond.Broadcast()
}

// Len returns the number of blocks currently resident (pending or finished
// with refcount > 0). Caller must hold the lock.
func (m *Map) Len() int {
	return len(m.blocks)
}

// SweepFinishedRefOne removes every finished block whose refcount is
// exactly 1 (spec.md §4.6's destructor sweep), invoking release for each
// one removed so the caller can return its RAM grant. Caller must hold the
// lock.
func (m *Map) SweepFinishedRefOne(release func(*Block)) {
	for idx, b := range m.blocks {
		if b.IsFinished() && b.refcount == 1 {
			delete(m.blocks, idx)
			release(b)
		}
	}
}
