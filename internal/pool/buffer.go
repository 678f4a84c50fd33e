// Package pool provides pooled frame buffers for the packet writers.
package pool

import (
	"sync"
)

const (
	// ControlFrameSize covers every control packet (handshake, start,
	// cancel, ack, resume) including its length prefix.
	ControlFrameSize = 64

	// DefaultFrameSize covers small data packets.
	DefaultFrameSize = 4096

	// LargeFrameSize covers data packets up to the largest pooled budget.
	LargeFrameSize = 65536
)

// BufferPool provides pooled byte slices to reduce allocation overhead
// when encoding frames. It keeps separate pools per size class so control
// frames do not pin large buffers.
type BufferPool struct {
	controlPool sync.Pool
	mediumPool  sync.Pool
	largePool   sync.Pool
}

// NewBufferPool creates a new buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		controlPool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, ControlFrameSize)
				return &buf
			},
		},
		mediumPool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, DefaultFrameSize)
				return &buf
			},
		},
		largePool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, LargeFrameSize)
				return &buf
			},
		},
	}
}

// Get returns a buffer with length 0 and at least the requested capacity.
// Call Put when done.
func (p *BufferPool) Get(size int) *[]byte {
	var buf *[]byte
	switch {
	case size <= ControlFrameSize:
		buf = p.controlPool.Get().(*[]byte)
	case size <= DefaultFrameSize:
		buf = p.mediumPool.Get().(*[]byte)
	case size <= LargeFrameSize:
		buf = p.largePool.Get().(*[]byte)
	default:
		// Oversized frames are not pooled.
		b := make([]byte, 0, size)
		return &b
	}
	*buf = (*buf)[:0]
	return buf
}

// Put returns a buffer to the pool. The buffer must not be used afterwards.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	*buf = (*buf)[:0]

	switch {
	case c < ControlFrameSize:
		// Grown from nothing or truncated; let GC handle it.
	case c < DefaultFrameSize:
		p.controlPool.Put(buf)
	case c < LargeFrameSize:
		p.mediumPool.Put(buf)
	case c == LargeFrameSize:
		p.largePool.Put(buf)
	}
}

var global = NewBufferPool()

// GetBuffer returns a buffer from the global pool.
func GetBuffer(size int) *[]byte {
	return global.Get(size)
}

// PutBuffer returns a buffer to the global pool.
func PutBuffer(buf *[]byte) {
	global.Put(buf)
}
