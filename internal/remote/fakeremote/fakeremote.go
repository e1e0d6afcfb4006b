// Package fakeremote provides a deterministic, in-memory remote.Reader for
// tests of the cache engine and xcp coordinator.
package fakeremote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/remotefs/rcache/internal/remote"
)

// Reader serves reads against a fixed in-memory byte slice. It can be
// configured to fail specific offsets, and it counts the number of reads
// issued (ReadCount).
type Reader struct {
	data []byte

	mu        sync.Mutex
	failAt    map[int64]int // offset -> errno to fail with, once
	readCount atomic.Int64
	closed    atomic.Bool
}

// New creates a Reader serving data.
func New(data []byte) *Reader {
	return &Reader{data: data, failAt: make(map[int64]int)}
}

// FailOnce arranges for the next read starting at offset to fail with errno.
func (r *Reader) FailOnce(offset int64, errno int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAt[offset] = errno
}

// ReadCount returns the number of Read calls issued so far.
func (r *Reader) ReadCount() int64 { return r.readCount.Load() }

func (r *Reader) Read(_ context.Context, offset int64, size int, buf []byte, handler remote.Handler) {
	r.readCount.Add(1)

	r.mu.Lock()
	errno, shouldFail := r.failAt[offset]
	if shouldFail {
		delete(r.failAt, offset)
	}
	r.mu.Unlock()

	go func() {
		if shouldFail {
			handler.HandleResponse(remote.Status{OK: false, Errno: errno, Err: fmt.Errorf("fakeremote: injected failure at offset %d", offset)}, remote.Response{})
			return
		}

		if offset >= int64(len(r.data)) {
			handler.HandleResponse(remote.Status{OK: true}, remote.Response{Data: nil})
			return
		}

		end := offset + int64(size)
		if end > int64(len(r.data)) {
			end = int64(len(r.data))
		}

		var dest []byte
		if buf != nil {
			dest = buf[:end-offset]
			copy(dest, r.data[offset:end])
		} else {
			dest = append([]byte(nil), r.data[offset:end]...)
		}

		handler.HandleResponse(remote.Status{OK: true}, remote.Response{Data: dest})
	}()
}

func (r *Reader) Size(_ context.Context) (int64, error) {
	return int64(len(r.data)), nil
}

func (r *Reader) Close() error {
	r.closed.Store(true)
	return nil
}

// Opener opens Readers over a fixed set of named sources, each serving the
// same logical file (used to simulate xcp's multi-replica scenario).
type Opener struct {
	mu      sync.Mutex
	sources map[string][]byte
	fail    map[string]bool
}

// NewOpener creates an Opener. sources maps URL -> file content.
func NewOpener(sources map[string][]byte) *Opener {
	return &Opener{sources: sources, fail: make(map[string]bool)}
}

// FailURL marks a URL as permanently unopenable.
func (o *Opener) FailURL(url string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[url] = true
}

func (o *Opener) Open(_ context.Context, url string) (remote.Reader, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fail[url] {
		return nil, fmt.Errorf("fakeremote: %s refused connection", url)
	}

	data, ok := o.sources[url]
	if !ok {
		return nil, fmt.Errorf("fakeremote: unknown source %s", url)
	}
	return New(data), nil
}
