// Package config declares the cache engine's and xcp coordinator's
// configuration, following the teacher's ApplyDefaults/zero-value-means-
// use-default convention.
package config

import (
	"time"

	"github.com/remotefs/rcache/internal/bytesize"
)

// LoggingConfig controls internal/logger's behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"RCACHE_LOG_LEVEL"`
	Format string `yaml:"format" env:"RCACHE_LOG_FORMAT"`
	Output string `yaml:"output" env:"RCACHE_LOG_OUTPUT"`
}

// MetricsConfig controls internal/metrics/prometheus.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"RCACHE_METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"RCACHE_METRICS_ADDR"`
}

// CacheConfig controls the per-file cache engine.
type CacheConfig struct {
	// BufferSize is the fixed block size (BS in spec terms).
	BufferSize bytesize.ByteSize `yaml:"buffer_size" env:"RCACHE_BUFFER_SIZE"`

	// MaxRAM bounds the process-wide RAM admission broker.
	MaxRAM bytesize.ByteSize `yaml:"max_ram" env:"RCACHE_MAX_RAM"`

	// WriteQueueDepth bounds the process-wide write-back job queue.
	WriteQueueDepth int `yaml:"write_queue_depth" env:"RCACHE_WRITE_QUEUE_DEPTH"`

	// WriteWorkers is the number of write-back worker goroutines.
	WriteWorkers int `yaml:"write_workers" env:"RCACHE_WRITE_WORKERS"`

	// SyncThreshold is the non_flushed_cnt that triggers an async Sync()
	// once the file is complete (spec.md §4.3's "at least 100").
	SyncThreshold int `yaml:"sync_threshold" env:"RCACHE_SYNC_THRESHOLD"`

	// MaxWriteRetries bounds short-write/EINTR retries in WriteBlockToDisk.
	MaxWriteRetries int `yaml:"max_write_retries" env:"RCACHE_MAX_WRITE_RETRIES"`

	// MaxResidentPrefetch is the block-map size (all resident blocks, not only
	// prefetched ones) at or above which Prefetch starts no new fetch
	// (spec.md §4.5's "fewer than 3").
	MaxResidentPrefetch int `yaml:"max_resident_prefetch" env:"RCACHE_MAX_RESIDENT_PREFETCH"`

	// RemoteRetryWindow bounds the total time a failed remote block read is
	// retried in the background with exponential backoff before the block
	// is completed as permanently failed. Once that happens its refcount is
	// additionally held open for the same window so it stays observable to
	// any reader still arriving, then released (see Open Question decision
	// in DESIGN.md).
	RemoteRetryWindow time.Duration `yaml:"remote_retry_window" env:"RCACHE_REMOTE_RETRY_WINDOW"`

	// RemoteRetryBackoffBase is the initial delay between remote-read retry
	// attempts within RemoteRetryWindow; it doubles after each attempt.
	RemoteRetryBackoffBase time.Duration `yaml:"remote_retry_backoff_base" env:"RCACHE_REMOTE_RETRY_BACKOFF_BASE"`

	// SyncOnCompleteOnly gates the async Sync() trigger on the file also
	// being fully fetched (AND semantics, the default nil/true); set false
	// to sync once SyncThreshold is crossed regardless of completeness (OR
	// semantics, see Open Question decision in DESIGN.md). A pointer, like
	// the teacher's optional API booleans, so "unset" and "explicitly
	// false" are distinguishable.
	SyncOnCompleteOnly *bool `yaml:"sync_on_complete_only" env:"RCACHE_SYNC_ON_COMPLETE_ONLY"`
}

// BoolPtr returns a pointer to v, for populating *bool config fields.
func BoolPtr(v bool) *bool { return &v }

// XcpConfig controls the extreme-copy coordinator.
type XcpConfig struct {
	// BlockSize is the coordinator's initial block size B, clamped by
	// SetFileSize once the file size is known.
	BlockSize bytesize.ByteSize `yaml:"block_size" env:"RCACHE_XCP_BLOCK_SIZE"`

	// ChunkSize is the minimum unit a source reads at once (C).
	ChunkSize bytesize.ByteSize `yaml:"chunk_size" env:"RCACHE_XCP_CHUNK_SIZE"`

	// SourceParallelism is the number of replica workers spawned (P_src).
	SourceParallelism int `yaml:"source_parallelism" env:"RCACHE_XCP_SOURCE_PARALLELISM"`

	// ChunkParallelism bounds in-flight chunk reads per source (P_chunks).
	ChunkParallelism int `yaml:"chunk_parallelism" env:"RCACHE_XCP_CHUNK_PARALLELISM"`

	// AllDoneTimeout bounds AllDone()'s wait on the done condition.
	AllDoneTimeout time.Duration `yaml:"all_done_timeout" env:"RCACHE_XCP_ALL_DONE_TIMEOUT"`

	// SinkDepth is the chunk sink FIFO's nominal capacity; the sink neither
	// blocks nor drops chunks when it is exceeded.
	SinkDepth int `yaml:"sink_depth" env:"RCACHE_XCP_SINK_DEPTH"`
}

// Config is the top-level configuration for this module.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Cache   CacheConfig   `yaml:"cache"`
	Xcp     XcpConfig     `yaml:"xcp"`
}

// DefaultConfig returns a Config with every field defaulted.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with sensible defaults. Explicit
// values (loaded from file/env before this call) are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyCacheDefaults(&cfg.Cache)
	applyXcpDefaults(&cfg.Xcp)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4 * bytesize.MiB
	}
	if cfg.MaxRAM == 0 {
		cfg.MaxRAM = 512 * bytesize.MiB
	}
	if cfg.WriteQueueDepth == 0 {
		cfg.WriteQueueDepth = 1024
	}
	if cfg.WriteWorkers == 0 {
		cfg.WriteWorkers = 4
	}
	if cfg.SyncThreshold == 0 {
		cfg.SyncThreshold = 100
	}
	if cfg.MaxWriteRetries == 0 {
		cfg.MaxWriteRetries = 10
	}
	if cfg.MaxResidentPrefetch == 0 {
		cfg.MaxResidentPrefetch = 3
	}
	if cfg.RemoteRetryWindow == 0 {
		cfg.RemoteRetryWindow = 30 * time.Second
	}
	if cfg.RemoteRetryBackoffBase == 0 {
		cfg.RemoteRetryBackoffBase = 100 * time.Millisecond
	}
	if cfg.SyncOnCompleteOnly == nil {
		cfg.SyncOnCompleteOnly = BoolPtr(true)
	}
}

func applyXcpDefaults(cfg *XcpConfig) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 4 * bytesize.MiB
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 256 * bytesize.KiB
	}
	if cfg.SourceParallelism == 0 {
		cfg.SourceParallelism = 4
	}
	if cfg.ChunkParallelism == 0 {
		cfg.ChunkParallelism = 4
	}
	if cfg.AllDoneTimeout == 0 {
		cfg.AllDoneTimeout = 60 * time.Second
	}
	if cfg.SinkDepth == 0 {
		cfg.SinkDepth = 64
	}
}
