package relay

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sheerbytes/piping/internal/bufpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chunkReader returns each chunk from one Read call, then err.
type chunkReader struct {
	chunks [][]byte
	err    error
	reads  atomic.Int32
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	r.reads.Add(1)
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

// sink records writes and how it was closed.
type sink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	failAt   int // fail once this many bytes were written, 0 = never
	closed   bool
	closeErr error
	flushes  int
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && s.buf.Len()+len(p) > s.failAt {
		return 0, errors.New("connection reset by peer")
	}
	return s.buf.Write(p)
}

func (s *sink) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *sink) CloseWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeErr = err
	return nil
}

func (s *sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type closingSource struct {
	io.Reader
	closeErr error
	closed   bool
}

func (c *closingSource) CloseWithError(err error) error {
	c.closed = true
	c.closeErr = err
	return nil
}

func sinksOf(ss ...*sink) []Sink {
	out := make([]Sink, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func TestTransfer_TwoWrites(t *testing.T) {
	src := &closingSource{Reader: &chunkReader{chunks: [][]byte{[]byte("ABCD"), []byte("EFGH")}}}
	rcv := &sink{}

	res := New("t1", src, sinksOf(rcv)).Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, "ABCDEFGH", rcv.String())
	assert.Equal(t, int64(8), res.Bytes)
	assert.Equal(t, 1, res.Delivered)
	assert.True(t, rcv.closed)
	assert.NoError(t, rcv.closeErr, "clean end of stream")
	assert.Equal(t, 2, rcv.flushes)
	assert.True(t, src.closed)
	assert.NoError(t, src.closeErr)
	assert.Nil(t, res.ReceiverErrs)
}

func TestTransfer_FanOutIdenticalCopies(t *testing.T) {
	payload := make([]byte, 1<<20+123)
	rand.New(rand.NewSource(1)).Read(payload)

	for _, n := range []int{1, 2, 5} {
		sinks := make([]*sink, n)
		for i := range sinks {
			sinks[i] = &sink{}
		}
		pool := bufpool.New(4 * datasize.KB)
		res := New("fan", bytes.NewReader(payload), sinksOf(sinks...), WithPool(pool)).Run(context.Background())

		require.NoError(t, res.Err)
		assert.Equal(t, n, res.Delivered)
		assert.Equal(t, int64(len(payload)), res.Bytes)
		for i, s := range sinks {
			assert.True(t, bytes.Equal(payload, s.buf.Bytes()), "receiver %d of %d", i, n)
			assert.Equal(t, int64(len(payload)), res.Receivers[i].Bytes)
		}
		assert.Equal(t, int64(0), pool.InUse())
	}
}

func TestTransfer_ReceiverDropContinuesOthers(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	reader := &chunkReader{}
	for i := 0; i < len(payload); i += 1000 {
		reader.chunks = append(reader.chunks, payload[i:i+1000])
	}
	good1, bad, good2 := &sink{}, &sink{failAt: 2500}, &sink{}

	res := New("drop", reader, sinksOf(good1, bad, good2)).Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, string(payload), good1.String())
	assert.Equal(t, string(payload), good2.String())
	assert.Equal(t, 2000, bad.buf.Len())
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, int64(len(payload)), res.Bytes, "sender is fully consumed")

	require.Error(t, res.Receivers[1].Err)
	assert.True(t, errors.Is(res.Receivers[1].Err, ErrReceiverGone))
	assert.True(t, bad.closed)
	assert.True(t, errors.Is(bad.closeErr, ErrReceiverGone))
	require.NotNil(t, res.ReceiverErrs)
	assert.Len(t, res.ReceiverErrs.Errors, 1)
}

func TestTransfer_SenderAbort(t *testing.T) {
	reader := &chunkReader{
		chunks: [][]byte{[]byte("partial ")},
		err:    io.ErrUnexpectedEOF,
	}
	src := &closingSource{Reader: reader}
	a, b := &sink{}, &sink{}

	res := New("abort", src, sinksOf(a, b)).Run(context.Background())

	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrSenderAborted))
	assert.Equal(t, 0, res.Delivered)
	for _, s := range []*sink{a, b} {
		assert.Equal(t, "partial ", s.String())
		assert.True(t, s.closed)
		assert.True(t, errors.Is(s.closeErr, ErrSenderAborted), "receivers see the abort, not a clean end")
	}
	assert.True(t, errors.Is(src.closeErr, ErrSenderAborted))
}

func TestTransfer_AllReceiversFailStopsReading(t *testing.T) {
	reader := &chunkReader{chunks: [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc"), []byte("dddd")}}
	src := &closingSource{Reader: reader}
	a, b := &sink{failAt: 1}, &sink{failAt: 6}

	res := New("dead", src, sinksOf(a, b)).Run(context.Background())

	assert.True(t, errors.Is(res.Err, ErrAllReceiversFailed))
	assert.Equal(t, int32(2), reader.reads.Load(), "no reads after the last receiver failed")
	assert.True(t, errors.Is(src.closeErr, ErrAllReceiversFailed))
	assert.Equal(t, 0, res.Delivered)
}

func TestTransfer_NoSinks(t *testing.T) {
	res := New("none", bytes.NewReader([]byte("x")), nil).Run(context.Background())
	assert.True(t, errors.Is(res.Err, ErrAllReceiversFailed))
}

func TestTransfer_EmptyPayload(t *testing.T) {
	rcv := &sink{}
	res := New("empty", bytes.NewReader(nil), sinksOf(rcv)).Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, int64(0), res.Bytes)
	assert.True(t, rcv.closed)
	assert.NoError(t, rcv.closeErr)
}

func TestTransfer_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rcv := &sink{}
	res := New("ctx", bytes.NewReader([]byte("data")), sinksOf(rcv)).Run(ctx)
	assert.Equal(t, context.Canceled, res.Err)
	assert.Equal(t, context.Canceled, rcv.closeErr)
}

// slowSink blocks each write until released.
type slowSink struct {
	release chan struct{}
	got     bytes.Buffer
}

func (s *slowSink) Write(p []byte) (int, error) {
	<-s.release
	return s.got.Write(p)
}

func TestTransfer_SlowReceiverPacesSender(t *testing.T) {
	reader := &chunkReader{chunks: [][]byte{[]byte("one"), []byte("two"), []byte("three")}}
	slow := &slowSink{release: make(chan struct{})}
	fast := &sink{}

	done := make(chan Result, 1)
	go func() {
		done <- New("slow", reader, []Sink{fast, slow}).Run(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), reader.reads.Load(), "next chunk waits for the slow receiver")
	assert.Equal(t, "one", fast.String())

	close(slow.release)
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, "onetwothree", slow.got.String())
	assert.Equal(t, "onetwothree", fast.String())
}

func TestTransfer_BufferGauge(t *testing.T) {
	msink := metrics.NewInmemSink(time.Minute, time.Minute)
	pool := bufpool.New(1 * datasize.KB)
	held := pool.Get()

	res := New("gauge", bytes.NewReader(make([]byte, 3000)), sinksOf(&sink{}),
		WithPool(pool), WithMetricSink(msink)).Run(context.Background())
	require.NoError(t, res.Err)

	data := msink.Data()
	require.NotEmpty(t, data)
	g, ok := data[len(data)-1].Gauges["piping.buffers.in_use"]
	require.True(t, ok, "buffer gauge not published")
	assert.Equal(t, float32(1), g.Value, "only the buffer held outside the transfer is checked out")

	pool.Put(held)
	assert.Equal(t, int64(0), pool.InUse())
}
