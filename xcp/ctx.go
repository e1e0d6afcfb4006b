package xcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remotefs/rcache/internal/logger"
	"github.com/remotefs/rcache/internal/metrics"
	"github.com/remotefs/rcache/internal/remote"
)

// Ctx is the coordinator for one copy: spec.md §4.7's XcpCtx.
type Ctx struct {
	instanceID string // uuid identifying this copy, threaded through log fields
	opener     remote.Opener
	metrics    metrics.XcpMetrics
	cfg        xcpResolvedConfig

	urlMu sync.Mutex
	urls  []string

	sizeMu   sync.Mutex
	sizeCond *sync.Cond
	fileSize int64 // 0 until SetFileSize observes a positive value
	blockSz  int64

	offsetMu sync.Mutex
	offset   int64

	sink *sink

	srcMu   sync.Mutex
	sources []*Src

	doneMu     sync.Mutex
	done       bool
	doneCh     chan struct{}
	doneOnce   sync.Once
	idleSignal chan struct{}

	dataReceivedMu sync.Mutex
	dataReceived   int64

	orphanMu sync.Mutex
	orphans  []block

	startedAt time.Time
}

type xcpResolvedConfig struct {
	chunkSize    int64
	srcParallel  int
	chunkParallel int
	allDoneTimeout time.Duration
	sinkDepth    int
}

// New creates a Ctx ready for Initialize.
func New(opts Opts) *Ctx {
	cfg := opts.Config

	c := &Ctx{
		instanceID: uuid.NewString(),
		opener:     opts.Opener,
		metrics:    opts.Metrics,
		urls:       append([]string(nil), opts.URLs...),
		blockSz:    int64(cfg.BlockSize),
		cfg: xcpResolvedConfig{
			chunkSize:      int64(cfg.ChunkSize),
			srcParallel:    cfg.SourceParallelism,
			chunkParallel:  cfg.ChunkParallelism,
			allDoneTimeout: cfg.AllDoneTimeout,
			sinkDepth:      cfg.SinkDepth,
		},
		sink:       newSink(cfg.SinkDepth),
		doneCh:     make(chan struct{}),
		idleSignal: make(chan struct{}, 1),
	}
	c.sizeCond = sync.NewCond(&c.sizeMu)
	return c
}

// Initialize spawns P_src source workers. Returns errNoSourcesCreated iff
// none could be created.
func (c *Ctx) Initialize(ctx context.Context) error {
	c.startedAt = time.Now()
	ctx = logger.WithContext(ctx, &logger.LogContext{InstanceID: c.instanceID})

	created := 0
	for i := 0; i < c.cfg.srcParallel; i++ {
		src := newSrc(c, i)
		c.srcMu.Lock()
		c.sources = append(c.sources, src)
		c.srcMu.Unlock()
		created++
		go src.run(ctx)
	}

	if created == 0 {
		return errNoSourcesCreated
	}
	return nil
}

// SetFileSize is one-shot: the first positive observation clamps the block
// size per spec.md §4.7 and wakes any source blocked awaiting the file size.
func (c *Ctx) SetFileSize(f int64) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()

	if c.fileSize != 0 || f <= 0 {
		return
	}

	b := c.blockSz
	maxByParallelism := f / int64(c.cfg.srcParallel)
	if maxByParallelism > 0 && b > maxByParallelism {
		b = maxByParallelism
	}
	if b < c.cfg.chunkSize {
		b = c.cfg.chunkSize
	}

	c.fileSize = f
	c.blockSz = b
	c.sizeCond.Broadcast()
}

// waitFileSize blocks until SetFileSize has observed a positive size,
// returning it.
func (c *Ctx) waitFileSize() (fileSize, blockSize int64) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	for c.fileSize == 0 {
		c.sizeCond.Wait()
	}
	return c.fileSize, c.blockSz
}

// GetBlock atomically returns (offset, size) for the next block and
// advances the cursor. Returns a zero-length block once O == F.
func (c *Ctx) GetBlock() block {
	fileSize, blockSize := c.waitFileSize()

	c.offsetMu.Lock()
	defer c.offsetMu.Unlock()

	if c.offset >= fileSize {
		return block{offset: fileSize, size: 0}
	}

	size := blockSize
	if c.offset+size > fileSize {
		size = fileSize - c.offset
	}
	b := block{offset: c.offset, size: size}
	c.offset += size
	return b
}

// GetNextURL pops the front of the URL queue, or returns ("", false) if empty.
func (c *Ctx) GetNextURL() (string, bool) {
	c.urlMu.Lock()
	defer c.urlMu.Unlock()
	if len(c.urls) == 0 {
		return "", false
	}
	url := c.urls[0]
	c.urls = c.urls[1:]
	return url, true
}

// WeakestLink returns the running source with data to steal and the lowest
// transfer-rate estimate, excluding exclude. Never returns exclude; returns
// nil iff no other source currently holds data.
func (c *Ctx) WeakestLink(exclude *Src) *Src {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()

	var weakest *Src
	var weakestRate float64
	for _, s := range c.sources {
		if s == exclude {
			continue
		}
		if !s.hasData() {
			continue
		}
		rate := s.rateEstimate()
		if weakest == nil || rate < weakestRate {
			weakest = s
			weakestRate = rate
		}
	}
	return weakest
}

// requeueOrphan re-queues a byte range a source gave up on after exhausting
// its own retries (spec.md §4.8 point 3's "replica fails irrecoverably"), so
// any other still-running source can pick it up instead of the bytes being
// silently dropped from the final chunk count.
func (c *Ctx) requeueOrphan(b block) {
	if b.size <= 0 {
		return
	}
	c.orphanMu.Lock()
	c.orphans = append(c.orphans, b)
	c.orphanMu.Unlock()
	c.NotifyIdleSrc()
}

// popOrphan returns one previously orphaned range, if any are waiting.
func (c *Ctx) popOrphan() (block, bool) {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()
	if len(c.orphans) == 0 {
		return block{}, false
	}
	n := len(c.orphans) - 1
	b := c.orphans[n]
	c.orphans = c.orphans[:n]
	return b, true
}

// anySourceRunning reports whether at least one source worker is still running.
func (c *Ctx) anySourceRunning() bool {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	for _, s := range c.sources {
		if s.isRunning() {
			return true
		}
	}
	return false
}

// GetChunk implements spec.md §4.7's GetChunk state machine.
func (c *Ctx) GetChunk(out *ChunkInfo) Status {
	c.dataReceivedMu.Lock()
	received := c.dataReceived
	c.dataReceivedMu.Unlock()

	fileSize, _ := c.peekFileSize()

	if fileSize > 0 && received == fileSize {
		c.markDone()
		metrics.ObserveCopyResult(c.metrics, Done.String(), time.Since(c.startedAt))
		return Done
	}

	// Sample liveness before popping: if no source was running, nothing can
	// be pushed after this point, so an empty sink is final.
	running := c.anySourceRunning()

	chunk, ok := c.sink.pop()
	if !ok {
		if !running {
			c.markDone()
			metrics.ObserveCopyResult(c.metrics, NoMoreReplicas.String(), time.Since(c.startedAt))
			return NoMoreReplicas
		}
		return Retry
	}

	c.dataReceivedMu.Lock()
	c.dataReceived += int64(len(chunk.Data))
	c.dataReceivedMu.Unlock()

	*out = chunk
	return Continue
}

// Progress reports bytes delivered to the sink so far and the total file
// size (0 if not yet known), for callers that want to report copy progress
// without polling GetChunk.
func (c *Ctx) Progress() (received, total uint64) {
	c.dataReceivedMu.Lock()
	received = uint64(c.dataReceived)
	c.dataReceivedMu.Unlock()

	fileSize, _ := c.peekFileSize()
	return received, uint64(fileSize)
}

func (c *Ctx) peekFileSize() (int64, bool) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	return c.fileSize, c.fileSize != 0
}

func (c *Ctx) markDone() {
	c.doneMu.Lock()
	c.done = true
	c.doneMu.Unlock()
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// AllDone blocks up to the configured timeout (default 60s) for the done
// signal or an idle notification, and returns the current done flag.
func (c *Ctx) AllDone() bool {
	timeout := c.cfg.allDoneTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	select {
	case <-c.doneCh:
	case <-c.idleSignal:
	case <-time.After(timeout):
	}

	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	return c.done
}

// NotifyIdleSrc wakes any consumer blocked in AllDone so it can re-check
// GetChunk, without itself implying completion.
func (c *Ctx) NotifyIdleSrc() {
	select {
	case c.idleSignal <- struct{}{}:
	default:
	}
}
