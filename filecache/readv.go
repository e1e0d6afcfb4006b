package filecache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ReadV implements spec.md §9's vectored-read open question: rather than a
// stub, each requested range is serviced by a concurrent scalar Read via
// errgroup.Group, so callers get the same classify/direct/disk/in-map
// handling Read gives a single range, fanned out across ranges.
func (f *File) ReadV(ctx context.Context, bufs [][]byte, offsets []int64) (ns []int, errnos []int) {
	n := len(bufs)
	ns = make([]int, n)
	errnos = make([]int, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			ns[i], errnos[i] = f.Read(ctx, bufs[i], offsets[i], len(bufs[i]))
			return nil
		})
	}
	_ = g.Wait()

	return ns, errnos
}
