package optimize

import (
	"sync"
)

// BytePool recycles fixed-size byte slices. Used on the RTP forwarding path
// where per-packet allocations would dominate the profile.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of slices with the given length.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a slice of the pool's size.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a slice to the pool. Undersized slices are discarded.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}

// MTUPool is the shared pool for RTP read buffers. 1500 covers the
// ethernet MTU; pion never hands us larger UDP payloads.
var MTUPool = NewBytePool(1500)
