package logger

import "log/slog"

// Standard field keys used consistently across the cache and xcp packages
// so log lines can be filtered by grep/jq regardless of call site.
const (
	KeyInstanceID = "instance_id"
	KeyPayloadID  = "payload_id"
	KeyBlockIndex = "block_index"
	KeyOffset     = "offset"
	KeySize       = "size"
	KeyBytes      = "bytes"
	KeyErrno      = "errno"
	KeyError      = "error"
	KeySource     = "src"
	KeyAttempt    = "attempt"
	KeyDurationMs = "duration_ms"
	KeyCacheHit   = "cache_hit"
	KeyScore      = "score"
)

// PayloadID returns a slog.Attr for the content/path identifier.
func PayloadID(id string) slog.Attr { return slog.String(KeyPayloadID, id) }

// BlockIndex returns a slog.Attr for a block index.
func BlockIndex(i uint32) slog.Attr { return slog.Uint64(KeyBlockIndex, uint64(i)) }

// Offset returns a slog.Attr for a byte offset.
func Offset(off uint64) slog.Attr { return slog.Uint64(KeyOffset, off) }

// Size returns a slog.Attr for a byte size.
func Size(n uint64) slog.Attr { return slog.Uint64(KeySize, n) }

// Err returns a slog.Attr for an error, or an empty attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Errno returns a slog.Attr for a remote-read errno code.
func Errno(n int) slog.Attr { return slog.Int(KeyErrno, n) }

// Source returns a slog.Attr for an xcp source identifier (its URL).
func Source(src string) slog.Attr { return slog.String(KeySource, src) }
