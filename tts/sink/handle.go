package sink

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrHandleReleased is returned when opening a handle that was already
// released.
var ErrHandleReleased = errors.New("source handle has been released")

// SourceHandle is an opaque reference to streamable audio data. The sink
// opens it to begin reading; the owning session releases it exactly once
// when the session ends. Cleanup can be reached from multiple paths (stop,
// error, natural completion), so Release is guarded against double release.
type SourceHandle struct {
	open    func() (io.ReadCloser, error)
	release func()

	mu       sync.Mutex
	released bool
}

// NewSourceHandle creates a handle around an open function and an optional
// release hook.
func NewSourceHandle(open func() (io.ReadCloser, error), release func()) *SourceHandle {
	return &SourceHandle{open: open, release: release}
}

// BytesHandle creates a handle over an in-memory buffer. Release drops the
// reference.
func BytesHandle(data []byte) *SourceHandle {
	h := &SourceHandle{}
	h.open = func() (io.ReadCloser, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.released {
			return nil, ErrHandleReleased
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	h.release = func() { data = nil }
	return h
}

// Open starts reading the underlying source.
func (h *SourceHandle) Open() (io.ReadCloser, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrHandleReleased
	}
	open := h.open
	h.mu.Unlock()

	if open == nil {
		return nil, errors.New("source handle has no open function")
	}
	return open()
}

// Release frees the underlying resource. Safe to call more than once; only
// the first call has any effect.
func (h *SourceHandle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		log.Debug("source handle already released")
		return
	}
	h.released = true
	release := h.release
	h.mu.Unlock()

	if release != nil {
		release()
	}
}

// Released reports whether Release has been called.
func (h *SourceHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
