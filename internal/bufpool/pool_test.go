package bufpool

import (
	"sync"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GetPut(t *testing.T) {
	pool := New(4 * datasize.KB)

	buf := pool.Get()
	assert.Len(t, buf, 4096)
	assert.Equal(t, int64(1), pool.InUse())

	pool.Put(buf)
	assert.Equal(t, int64(0), pool.InUse())

	buf = pool.Get()
	assert.Len(t, buf, 4096)
	assert.Equal(t, 4096, pool.BufSize())
}

func TestPool_DefaultSize(t *testing.T) {
	pool := New(0)
	assert.Equal(t, int(DefaultSize.Bytes()), pool.BufSize())
}

func TestPool_ResliceOnGet(t *testing.T) {
	pool := New(1 * datasize.KB)
	buf := pool.Get()
	pool.Put(buf[:10])

	buf = pool.Get()
	assert.Len(t, buf, 1024, "shortened buffers come back full length")
}

func TestPool_ForeignBufferIgnored(t *testing.T) {
	pool := New(1 * datasize.KB)
	_ = pool.Get()
	pool.Put(make([]byte, 10))
	assert.Equal(t, int64(1), pool.InUse())
}

func TestPool_Concurrent(t *testing.T) {
	pool := New(8 * datasize.KB)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := pool.Get()
				require.Len(t, buf, 8192)
				buf[0] = byte(j)
				pool.Put(buf)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), pool.InUse())
}
