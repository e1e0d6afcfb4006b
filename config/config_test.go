package config

import (
	"testing"
	"time"

	"github.com/remotefs/rcache/internal/bytesize"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default log format text, got %q", cfg.Logging.Format)
	}
	if cfg.Cache.BufferSize != 4*bytesize.MiB {
		t.Errorf("expected default buffer size 4MiB, got %v", cfg.Cache.BufferSize)
	}
	if cfg.Cache.MaxRAM != 512*bytesize.MiB {
		t.Errorf("expected default max RAM 512MiB, got %v", cfg.Cache.MaxRAM)
	}
	if cfg.Cache.WriteWorkers != 4 {
		t.Errorf("expected default write workers 4, got %d", cfg.Cache.WriteWorkers)
	}
	if cfg.Cache.MaxWriteRetries != 10 {
		t.Errorf("expected default max write retries 10, got %d", cfg.Cache.MaxWriteRetries)
	}
	if cfg.Cache.MaxResidentPrefetch != 3 {
		t.Errorf("expected default max resident prefetch 3, got %d", cfg.Cache.MaxResidentPrefetch)
	}
	if cfg.Cache.RemoteRetryWindow != 30*time.Second {
		t.Errorf("expected default remote retry window 30s, got %v", cfg.Cache.RemoteRetryWindow)
	}
	if cfg.Xcp.SourceParallelism != 4 {
		t.Errorf("expected default source parallelism 4, got %d", cfg.Xcp.SourceParallelism)
	}
	if cfg.Xcp.AllDoneTimeout != 60*time.Second {
		t.Errorf("expected default all-done timeout 60s, got %v", cfg.Xcp.AllDoneTimeout)
	}
	if cfg.Xcp.SinkDepth != 64 {
		t.Errorf("expected default sink depth 64, got %d", cfg.Xcp.SinkDepth)
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Cache.BufferSize = 1 * bytesize.MiB
	cfg.Cache.MaxWriteRetries = 2
	cfg.Xcp.SourceParallelism = 8
	cfg.Logging.Level = "DEBUG"

	ApplyDefaults(cfg)

	if cfg.Cache.BufferSize != 1*bytesize.MiB {
		t.Errorf("explicit BufferSize was overwritten: got %v", cfg.Cache.BufferSize)
	}
	if cfg.Cache.MaxWriteRetries != 2 {
		t.Errorf("explicit MaxWriteRetries was overwritten: got %d", cfg.Cache.MaxWriteRetries)
	}
	if cfg.Xcp.SourceParallelism != 8 {
		t.Errorf("explicit SourceParallelism was overwritten: got %d", cfg.Xcp.SourceParallelism)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("explicit Logging.Level was overwritten: got %q", cfg.Logging.Level)
	}
	// Untouched fields still pick up defaults.
	if cfg.Cache.MaxRAM != 512*bytesize.MiB {
		t.Errorf("expected MaxRAM to default, got %v", cfg.Cache.MaxRAM)
	}
	if cfg.Xcp.ChunkSize != 256*bytesize.KiB {
		t.Errorf("expected ChunkSize to default, got %v", cfg.Xcp.ChunkSize)
	}
}

func TestApplyDefaultsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg

	ApplyDefaults(cfg)

	if *cfg != before {
		t.Errorf("ApplyDefaults should be a no-op on an already-defaulted config")
	}
}
