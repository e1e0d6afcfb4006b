package logger

import "context"

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext carries fields that should be attached to every log line
// emitted while handling a given file cache instance or copy.
type LogContext struct {
	InstanceID string // uuid of the owning FileCache or XcpCtx
	PayloadID  string // remote path / content id being served
}

// WithContext returns a context carrying lc for later retrieval by the logger.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext previously attached with WithContext, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}
