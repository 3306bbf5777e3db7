// Package relay copies one sender stream to N receiver streams in bounded
// chunks. A chunk is written to every live receiver before the next one is
// read, so the slowest receiver paces the sender and memory stays at one
// chunk per transfer.
package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sheerbytes/piping/internal/bufpool"
	"github.com/sheerbytes/piping/internal/progress"
	"github.com/sheerbytes/piping/internal/telemetry"
)

// Sink is the output stream of one receiver.
type Sink interface {
	io.Writer
}

// Flusher is implemented by sinks that buffer writes.
type Flusher interface {
	Flush() error
}

// Closer is implemented by sources and sinks that must learn how the
// transfer ended for them. err is nil for a clean end of stream.
type Closer interface {
	CloseWithError(err error) error
}

// ReceiverResult is the outcome for one sink, in sink order.
type ReceiverResult struct {
	Bytes int64
	Err   error
}

// Result describes a finished transfer.
type Result struct {
	Bytes     int64
	Receivers []ReceiverResult
	// Delivered counts receivers that got the whole stream.
	Delivered int
	// Err is nil on success, otherwise ErrSenderAborted,
	// ErrAllReceiversFailed or the context error.
	Err error
	// ReceiverErrs aggregates the errors of dropped receivers.
	ReceiverErrs *multierror.Error
	Duration     time.Duration
	AvgBps       float64
}

// Transfer relays src to sinks. It is single use.
type Transfer struct {
	ID    string
	src   io.Reader
	sinks []Sink

	pool     *bufpool.Pool
	meter    *progress.Meter
	expected int64
	logger   *zap.Logger
	msink    metrics.MetricSink
}

// Option configures a Transfer.
type Option func(*Transfer)

// WithPool sets the chunk buffer pool.
func WithPool(p *bufpool.Pool) Option {
	return func(t *Transfer) {
		if p != nil {
			t.pool = p
		}
	}
}

// WithExpectedSize records the length announced by the sender, -1 if none.
func WithExpectedSize(n int64) Option {
	return func(t *Transfer) {
		t.expected = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transfer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetricSink sets where transfer metrics go.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(t *Transfer) {
		if ms != nil {
			t.msink = ms
		}
	}
}

// New creates a transfer from src to sinks.
func New(id string, src io.Reader, sinks []Sink, opts ...Option) *Transfer {
	t := &Transfer{
		ID:       id,
		src:      src,
		sinks:    sinks,
		expected: -1,
		meter:    progress.NewMeter(),
		logger:   zap.NewNop(),
		msink:    telemetry.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.pool == nil {
		t.pool = bufpool.New(bufpool.DefaultSize)
	}
	return t
}

type writeResult struct {
	idx int
	err error
}

// worker owns the writes to one sink.
type worker struct {
	idx   int
	sink  Sink
	in    chan []byte
	bytes int64
	err   error
	live  bool
}

func (w *worker) run(results chan<- writeResult, wg *sync.WaitGroup) {
	defer wg.Done()
	flusher, _ := w.sink.(Flusher)
	for chunk := range w.in {
		_, err := w.sink.Write(chunk)
		if err == nil && flusher != nil {
			err = flusher.Flush()
		}
		results <- writeResult{idx: w.idx, err: err}
	}
}

// Run copies until the sender ends or fails, or no receiver is left.
// Every sink and the source are closed through Closer, if implemented,
// before Run returns.
func (t *Transfer) Run(ctx context.Context) Result {
	t.meter.Start(t.expected)
	t.msink.IncrCounter(telemetry.MetricTransferCount, 1)

	var wg sync.WaitGroup
	results := make(chan writeResult, len(t.sinks))
	workers := make([]*worker, len(t.sinks))
	for i, sink := range t.sinks {
		w := &worker{idx: i, sink: sink, in: make(chan []byte), live: true}
		workers[i] = w
		wg.Add(1)
		go w.run(results, &wg)
	}

	err := t.pump(ctx, workers, results)

	for _, w := range workers {
		if w.live {
			close(w.in)
		}
	}
	wg.Wait()

	return t.finish(workers, err)
}

// pump is the read/fan-out loop. It returns the terminal error, nil on a
// clean end of stream.
func (t *Transfer) pump(ctx context.Context, workers []*worker, results chan writeResult) error {
	buf := t.pool.Get()
	t.msink.SetGauge(telemetry.MetricBuffersInUse, float32(t.pool.InUse()))
	defer func() {
		t.pool.Put(buf)
		t.msink.SetGauge(telemetry.MetricBuffersInUse, float32(t.pool.InUse()))
	}()

	live := len(workers)
	if live == 0 {
		return ErrAllReceiversFailed
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := t.src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			sent := 0
			for _, w := range workers {
				if w.live {
					w.in <- chunk
					sent++
				}
			}
			for ; sent > 0; sent-- {
				res := <-results
				w := workers[res.idx]
				if res.err != nil {
					w.live = false
					w.err = errors.WithMessage(ErrReceiverGone, res.err.Error())
					close(w.in)
					live--
					t.msink.IncrCounter(telemetry.MetricReceiverDropCount, 1)
					t.logger.Info("receiver dropped",
						zap.String("transfer_id", t.ID),
						zap.Int("receiver", w.idx),
						zap.Error(res.err))
					continue
				}
				w.bytes += int64(n)
			}
			t.meter.Add(n)
			if live == 0 {
				return ErrAllReceiversFailed
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.WithMessage(ErrSenderAborted, rerr.Error())
		}
	}
}

func (t *Transfer) finish(workers []*worker, err error) Result {
	stats := t.meter.Snapshot()
	res := Result{
		Bytes:     stats.Bytes,
		Receivers: make([]ReceiverResult, len(workers)),
		Err:       err,
		Duration:  stats.Elapsed,
		AvgBps:    stats.AvgBps,
	}
	for i, w := range workers {
		if w.live {
			w.err = err
		} else {
			res.ReceiverErrs = multierror.Append(res.ReceiverErrs, w.err)
		}
		if w.err == nil {
			res.Delivered++
		}
		res.Receivers[i] = ReceiverResult{Bytes: w.bytes, Err: w.err}
		if c, ok := w.sink.(Closer); ok {
			_ = c.CloseWithError(w.err)
		}
	}
	if c, ok := t.src.(Closer); ok {
		_ = c.CloseWithError(err)
	}

	outcome := "completed"
	switch {
	case errors.Is(err, ErrSenderAborted):
		outcome = "sender_aborted"
	case errors.Is(err, ErrAllReceiversFailed):
		outcome = "receivers_failed"
	case err != nil:
		outcome = "cancelled"
	}
	labels := []metrics.Label{telemetry.LabelOutcome.M(outcome)}
	t.msink.IncrCounterWithLabels(telemetry.MetricTransferBytes, float32(res.Bytes), labels)
	t.msink.AddSampleWithLabels(telemetry.MetricTransferDuration, float32(res.Duration.Milliseconds()), labels)
	if err != nil {
		t.msink.IncrCounterWithLabels(telemetry.MetricTransferErrorCount, 1, labels)
	}

	fields := []zap.Field{
		zap.String("transfer_id", t.ID),
		telemetry.LabelOutcome.Z(outcome),
		zap.Int64("bytes", res.Bytes),
		zap.Int("receivers", len(workers)),
		zap.Int("delivered", res.Delivered),
		zap.Duration("duration", res.Duration),
		zap.Float64("avg_bps", res.AvgBps),
	}
	if res.ReceiverErrs != nil {
		fields = append(fields, zap.NamedError("receiver_errors", res.ReceiverErrs.ErrorOrNil()))
	}
	if err != nil {
		t.logger.Warn("transfer failed", append(fields, zap.Error(err))...)
	} else {
		t.logger.Info("transfer completed", fields...)
	}
	return res
}
