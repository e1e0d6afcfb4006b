package xcp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/remotefs/rcache/internal/logger"
	"github.com/remotefs/rcache/internal/metrics"
	"github.com/remotefs/rcache/internal/remote"
)

// Src is one replica worker: spec.md §4.8's XcpSrc.
type Src struct {
	ctx *Ctx
	idx int
	url string

	mu        sync.Mutex
	reader    remote.Reader
	remaining []block // work owned by this source, FIFO; stealable from the tail
	outstanding int

	runningMu sync.Mutex
	running   bool

	rateMu      sync.Mutex
	bytesPerSec float64
	lastSample  time.Time
}

func newSrc(c *Ctx, idx int) *Src {
	return &Src{ctx: c, idx: idx, running: true}
}

func (s *Src) isRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

func (s *Src) stop() {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()
	s.ctx.NotifyIdleSrc()
}

// hasData reports whether this source currently owns unread work, making it
// a candidate to steal from.
func (s *Src) hasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remaining) > 0
}

func (s *Src) rateEstimate() float64 {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	return s.bytesPerSec
}

func (s *Src) sampleRate(bytes int64, d time.Duration) {
	if d <= 0 {
		return
	}
	instant := float64(bytes) / d.Seconds()

	s.rateMu.Lock()
	if s.bytesPerSec == 0 {
		s.bytesPerSec = instant
	} else {
		// exponential moving average, alpha=0.3.
		s.bytesPerSec = 0.7*s.bytesPerSec + 0.3*instant
	}
	s.rateMu.Unlock()

	metrics.RecordSourceRate(s.ctx.metrics, s.url, s.bytesPerSec)
}

// stealSuffix transfers the back half of this source's remaining work to
// the caller, returning the transferred ranges. Caller must not be s.
func (s *Src) stealSuffix() []block {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.remaining) == 0 {
		return nil
	}

	n := (len(s.remaining) + 1) / 2
	if n == 0 {
		n = 1
	}
	start := len(s.remaining) - n
	stolen := append([]block(nil), s.remaining[start:]...)
	s.remaining = s.remaining[:start]
	return stolen
}

func (s *Src) popWork() (block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remaining) == 0 {
		return block{}, false
	}
	b := s.remaining[0]
	s.remaining = s.remaining[1:]
	return b, true
}

func (s *Src) pushWork(b block) {
	s.mu.Lock()
	s.remaining = append(s.remaining, b)
	s.mu.Unlock()
}

// requeueRemaining hands back everything still queued for this source,
// unread, to the orphan queue. Called when the source is giving up.
func (s *Src) requeueRemaining() {
	s.mu.Lock()
	rest := s.remaining
	s.remaining = nil
	s.mu.Unlock()
	for _, b := range rest {
		s.ctx.requeueOrphan(b)
	}
}

// run drives the worker's lifecycle: acquire a URL and open it, then loop
// reading assigned blocks (stealing when out of work) until exit.
func (s *Src) run(ctx context.Context) {
	defer s.stop()

	if !s.openReplica(ctx) {
		return
	}
	defer s.reader.Close()

	for {
		b, ok := s.popWork()
		if !ok {
			if orphan, ok := s.ctx.popOrphan(); ok {
				s.pushWork(orphan)
				continue
			}

			assigned := s.ctx.GetBlock()
			if assigned.size > 0 {
				s.pushWork(assigned)
				continue
			}

			stolen := s.ctx.WeakestLink(s)
			if stolen == nil {
				if s.outstandingCount() == 0 {
					return
				}
				continue
			}
			suffix := stolen.stealSuffix()
			for _, sb := range suffix {
				s.pushWork(sb)
			}
			if len(suffix) > 0 {
				metrics.RecordSteal(s.ctx.metrics, stolen.url, s.url)
			}
			if !s.hasData() {
				return
			}
			continue
		}

		if abandoned := s.readBlock(ctx, b); abandoned {
			// This replica failed irrecoverably (spec.md §4.8 point 3):
			// hand back anything still queued and exit rather than keep
			// reading from a connection that has proven unreliable.
			s.requeueRemaining()
			return
		}
	}
}

func (s *Src) outstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// openReplica acquires a URL from the coordinator and opens it, retrying
// with the next URL on failure. Publishes the file size to the coordinator
// on first successful open.
func (s *Src) openReplica(ctx context.Context) bool {
	for {
		url, ok := s.ctx.GetNextURL()
		if !ok {
			return false
		}

		reader, err := s.ctx.opener.Open(ctx, url)
		if err != nil {
			logger.WarnCtx(ctx, "xcp source open failed", logger.KeySource, url, logger.KeyError, err.Error())
			continue
		}

		s.url = url
		s.reader = reader

		if size, err := reader.Size(ctx); err == nil {
			s.ctx.SetFileSize(size)
		}
		return true
	}
}

// chunkUnit is one sub-range of a block read individually by readChunk.
type chunkUnit struct{ offset, size int64 }

// maxChunkAttempts bounds retries of a single chunk read against the same
// replica before its byte range is handed to another source.
const maxChunkAttempts = 3

// chunkRetryDelay is the pause between same-replica chunk retries.
const chunkRetryDelay = 50 * time.Millisecond

// readBlock splits b into chunks of the configured chunk size and reads up
// to ChunkParallelism of them concurrently, bounded by a weighted semaphore,
// publishing each completed chunk to the sink in turn. A chunk that still
// fails after maxChunkAttempts against this replica is not dropped: its
// range is handed to the coordinator's orphan queue (spec.md §4.8 point 3),
// and readBlock reports true so the caller retires this replica rather than
// keep reading from a connection that has proven unreliable.
func (s *Src) readBlock(ctx context.Context, b block) bool {
	chunkSize := s.ctx.cfg.chunkSize
	if chunkSize <= 0 {
		chunkSize = b.size
	}

	var units []chunkUnit
	for off := b.offset; off < b.end(); off += chunkSize {
		sz := chunkSize
		if off+sz > b.end() {
			sz = b.end() - off
		}
		units = append(units, chunkUnit{offset: off, size: sz})
	}

	parallelism := s.ctx.cfg.chunkParallel
	if parallelism <= 0 {
		parallelism = 1
	}
	sem := semaphore.NewWeighted(int64(parallelism))

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []chunkUnit

	for _, u := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			failedMu.Lock()
			failed = append(failed, u)
			failedMu.Unlock()
			continue
		}

		u := u
		s.mu.Lock()
		s.outstanding++
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				s.mu.Lock()
				s.outstanding--
				s.mu.Unlock()
			}()

			if err := s.readChunkRetrying(ctx, u); err != nil {
				failedMu.Lock()
				failed = append(failed, u)
				failedMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) == 0 {
		return false
	}

	for _, u := range failed {
		s.ctx.requeueOrphan(block{offset: u.offset, size: u.size})
	}
	return true
}

// readChunkRetrying retries a single chunk against this replica up to
// maxChunkAttempts times before giving up on it.
func (s *Src) readChunkRetrying(ctx context.Context, u chunkUnit) error {
	var err error
	for attempt := 0; attempt < maxChunkAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(chunkRetryDelay)
		}
		if err = s.readChunk(ctx, u.offset, u.size); err == nil {
			return nil
		}
	}
	return err
}

// readChunk issues one synchronous-from-the-caller's-perspective chunk read
// by bridging the remote.Reader's async callback through a channel.
func (s *Src) readChunk(ctx context.Context, offset, size int64) error {
	start := time.Now()
	type result struct {
		status remote.Status
		resp   remote.Response
	}
	done := make(chan result, 1)

	s.reader.Read(ctx, offset, int(size), nil, remote.HandlerFunc(func(status remote.Status, resp remote.Response) {
		done <- result{status: status, resp: resp}
	}))

	r := <-done
	if !r.status.OK {
		logger.WarnCtx(ctx, "xcp chunk read failed", logger.KeySource, s.url, logger.KeyOffset, uint64(offset), logger.KeyError, r.status.Err)
		return r.status.Err
	}

	d := time.Since(start)
	s.sampleRate(int64(len(r.resp.Data)), d)
	metrics.ObserveChunk(s.ctx.metrics, s.url, int64(len(r.resp.Data)), d)

	s.ctx.sink.push(ChunkInfo{Offset: offset, Data: r.resp.Data})
	s.ctx.NotifyIdleSrc()
	return nil
}
