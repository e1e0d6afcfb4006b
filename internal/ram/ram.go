// Package ram implements the process-wide RAM admission broker blocks are
// checked against before they're cached in memory. It is the single shared
// accountant referenced by spec invariant 5: every block resident in any
// file's block map has a matching outstanding grant here, and every
// removal releases exactly one.
package ram

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"github.com/remotefs/rcache/internal/bytesize"
)

// Broker grants or denies in-memory residency for fixed-size blocks.
//
// The hard admission decision is an exact atomic block-count budget (the spec
// requires RequestRAMBlock to answer synchronously); a ristretto.Cache
// layered on top tracks admission/eviction cost statistics so an operator
// can see which files' blocks are being kept warm, without influencing the
// synchronous grant/deny decision itself (ristretto's own Set is processed
// asynchronously through a ring buffer and is unsuitable as the hard gate).
type Broker struct {
	blockSize bytesize.ByteSize
	budget    *budget
	tracker   *ristretto.Cache[string, struct{}]
}

// New creates a Broker that will grant at most maxRAM/blockSize blocks at a time.
func New(maxRAM, blockSize bytesize.ByteSize) (*Broker, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("ram: blockSize must be > 0")
	}

	maxBlocks := int64(maxRAM / blockSize)
	if maxBlocks <= 0 {
		maxBlocks = 1
	}

	tracker, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxBlocks * 10,
		MaxCost:     maxBlocks,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("ram: create tracker: %w", err)
	}

	return &Broker{
		blockSize: blockSize,
		budget:    newBudget(maxBlocks),
		tracker:   tracker,
	}, nil
}

// RequestRAMBlock asks for permission to cache one block of blockSize bytes.
// Returns true if granted; the caller must call RAMBlockReleased exactly
// once when the block is no longer resident.
func (b *Broker) RequestRAMBlock(payloadID string, blockIndex uint32) bool {
	if !b.budget.acquire() {
		return false
	}

	key := fmt.Sprintf("%s#%d#%s", payloadID, blockIndex, uuid.NewString())
	b.tracker.Set(key, struct{}{}, 1)
	return true
}

// RAMBlockReleased returns one previously granted block to the budget.
func (b *Broker) RAMBlockReleased() {
	b.budget.release()
}

// Outstanding returns the number of currently granted blocks.
func (b *Broker) Outstanding() int64 {
	return b.budget.outstanding()
}

// Capacity returns the maximum number of blocks that may be granted at once.
func (b *Broker) Capacity() int64 {
	return b.budget.max
}

// Metrics is a snapshot of the broker's admission accounting and of the
// ristretto tracker's own eviction counters, read from the same tracker
// RequestRAMBlock writes into on every grant.
type Metrics struct {
	Outstanding int64
	Capacity    int64
	Hits        uint64
	Misses      uint64
	KeysEvicted uint64
	CostEvicted uint64
}

// Metrics returns a point-in-time snapshot of the broker's counters.
func (b *Broker) Metrics() Metrics {
	m := Metrics{
		Outstanding: b.Outstanding(),
		Capacity:    b.Capacity(),
	}
	if tm := b.tracker.Metrics; tm != nil {
		m.Hits = tm.Hits()
		m.Misses = tm.Misses()
		m.KeysEvicted = tm.KeysEvicted()
		m.CostEvicted = tm.CostEvicted()
	}
	return m
}

// Close releases the underlying tracker.
func (b *Broker) Close() {
	b.tracker.Close()
}
