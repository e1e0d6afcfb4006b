// Package xcp implements the multi-source accelerated copy coordinator:
// one logical file is partitioned into blocks, assigned to parallel replica
// source workers, rebalanced by work-stealing from the slowest source, and
// delivered to a single consumer as offset-tagged chunks in completion
// order.
package xcp

import (
	"fmt"

	"github.com/remotefs/rcache/config"
	"github.com/remotefs/rcache/internal/metrics"
	"github.com/remotefs/rcache/internal/remote"
)

// Status is GetChunk's result per spec.md §4.7.
type Status int

const (
	// Continue indicates out was filled with a chunk; keep calling GetChunk.
	Continue Status = iota
	// Done indicates the whole file has been received.
	Done
	// NoMoreReplicas indicates every source died before all bytes arrived.
	NoMoreReplicas
	// Retry indicates no chunk is ready yet; the consumer should call
	// AllDone or sleep briefly and retry.
	Retry
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "Continue"
	case Done:
		return "Done"
	case NoMoreReplicas:
		return "NoMoreReplicas"
	case Retry:
		return "Retry"
	default:
		return "Unknown"
	}
}

// ChunkInfo is one completed unit handed from a source to the sink, tagged
// with its file offset; chunks reach the sink in completion order.
type ChunkInfo struct {
	Offset int64
	Data   []byte
}

// Opts configures a single copy.
type Opts struct {
	URLs    []string
	Config  config.XcpConfig
	Opener  remote.Opener
	Metrics metrics.XcpMetrics
}

// errNoSourcesCreated is returned by Initialize when every source worker
// failed to even start.
var errNoSourcesCreated = fmt.Errorf("xcp: no source workers could be created")

// block is a [offset, offset+size) range assigned to exactly one source at
// a time (spec.md invariant 6).
type block struct {
	offset int64
	size   int64
}

func (b block) end() int64 { return b.offset + b.size }
