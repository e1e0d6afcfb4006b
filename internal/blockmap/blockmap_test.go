package blockmap

import (
	"sync"
	"testing"
)

func TestInsertCompleteDecrefRemoves(t *testing.T) {
	m := New()

	m.Lock()
	b := m.Insert(0, 0, 4096, false)
	m.Complete(b, make([]byte, 4096), 0)
	if !b.IsFinished() || !b.IsOk() {
		t.Fatalf("expected finished+ok block")
	}
	removed := m.Decref(b)
	m.Unlock()

	if !removed {
		t.Fatalf("expected block removed once refcount hit zero on a finished block")
	}

	m.Lock()
	if got := m.Lookup(0); got != nil {
		t.Fatalf("expected block gone from map, got %+v", got)
	}
	m.Unlock()
}

func TestFailedBlockRetainsErrno(t *testing.T) {
	m := New()

	m.Lock()
	b := m.Insert(1, 4096, 4096, false)
	m.Complete(b, nil, 5)
	m.Unlock()

	if !b.IsFinished() || b.IsOk() {
		t.Fatalf("expected finished, non-ok block")
	}
	if b.Errno() != 5 {
		t.Fatalf("expected errno 5, got %d", b.Errno())
	}
}

func TestRefcountConservationAcrossConcurrentReaders(t *testing.T) {
	m := New()

	// The first reader inserts the block, holding its own reference
	// (refcount 1); every subsequent concurrent reader that finds it
	// already in-flight takes an extra reference via Incref, mirroring
	// filecache's Read: one Insert call, N-1 Incref calls.
	m.Lock()
	b := m.Insert(0, 0, 4096, false)
	m.Unlock()

	const extraReaders = 7
	var wg sync.WaitGroup
	wg.Add(extraReaders)
	for i := 0; i < extraReaders; i++ {
		go func() {
			defer wg.Done()
			m.Lock()
			m.Incref(b)
			m.Unlock()

			m.Lock()
			for !b.IsFinished() {
				m.Wait()
			}
			m.Decref(b)
			m.Unlock()
		}()
	}

	m.Lock()
	m.Complete(b, []byte{1}, 0)
	m.Unlock()

	wg.Wait()

	// The original inserter releases its own reference last.
	m.Lock()
	removed := m.Decref(b)
	m.Unlock()

	if !removed {
		t.Fatalf("expected block removed once every reference was released")
	}

	m.Lock()
	defer m.Unlock()
	if got := m.Lookup(0); got != nil {
		t.Fatalf("expected block removed after all readers released their reference, got refcount held")
	}
}

func TestSweepFinishedRefOne(t *testing.T) {
	m := New()

	m.Lock()
	b0 := m.Insert(0, 0, 4096, false)
	m.Complete(b0, []byte{1}, 0)
	b1 := m.Insert(1, 4096, 4096, false)
	m.Complete(b1, []byte{1}, 0)
	m.Incref(b1) // refcount 2: must survive the sweep

	var released []*Block
	m.SweepFinishedRefOne(func(b *Block) { released = append(released, b) })
	m.Unlock()

	if len(released) != 1 || released[0].Index != 0 {
		t.Fatalf("expected only block 0 swept, got %+v", released)
	}

	m.Lock()
	defer m.Unlock()
	if m.Lookup(0) != nil {
		t.Fatalf("block 0 should be gone")
	}
	if m.Lookup(1) == nil {
		t.Fatalf("block 1 should survive (refcount 2)")
	}
}
