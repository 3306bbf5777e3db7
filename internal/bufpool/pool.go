// Package bufpool hands out fixed-size chunk buffers for relaying.
package bufpool

import (
	"sync"

	"github.com/c2h5oh/datasize"
	"go.uber.org/atomic"
)

// DefaultSize is the chunk size used when none is configured.
const DefaultSize = 16 * datasize.KB

// Pool provides byte buffers of one fixed size. Buffers are reused to
// reduce allocations while many transfers run concurrently.
type Pool struct {
	pool    sync.Pool
	bufSize int
	inUse   atomic.Int64
}

// New creates a pool of buffers of exactly size bytes. A zero size falls
// back to DefaultSize.
func New(size datasize.ByteSize) *Pool {
	if size == 0 {
		size = DefaultSize
	}
	bufSize := int(size.Bytes())
	if bufSize <= 0 {
		panic("bufpool: size must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, bufSize)
				return &b
			},
		},
	}
}

// Get returns a buffer of BufSize bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	p.inUse.Inc()
	return (*bp)[:p.bufSize]
}

// Put returns a buffer obtained from Get. Buffers of a different capacity
// are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.bufSize {
		return
	}
	p.inUse.Dec()
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// InUse returns how many buffers are currently checked out.
func (p *Pool) InUse() int64 {
	return p.inUse.Load()
}
