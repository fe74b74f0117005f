package engine

import (
	"sync"
)

// DefaultChunkSize is the size of the buffer the transfer task reads into.
const DefaultChunkSize = 8192

// BufferPool hands out chunk buffers. Multi-part downloads run several
// transfer tasks at once and share one pool.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of size-byte buffers.
// If size is <= 0, DefaultChunkSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of the buffers in the pool.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a buffer. Return it with Put once the task is done.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a different size are dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil && len(*b) == bp.size {
		bp.pool.Put(b)
	}
}
