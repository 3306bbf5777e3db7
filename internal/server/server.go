// Package server is the HTTP front of the relay: it classifies requests as
// senders or receivers of a path, claims the path in the registry and runs
// the transfer once the path is paired.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sheerbytes/piping/internal/bufpool"
	"github.com/sheerbytes/piping/internal/pipe"
	"github.com/sheerbytes/piping/internal/relay"
	"github.com/sheerbytes/piping/internal/telemetry"
)

const (
	headerPiping     = "X-Piping"
	headerTransferID = "X-Piping-Transfer-Id"
)

// errClientGone marks a party that disconnected before its path paired.
var errClientGone = errors.New("client disconnected before pairing")

// Options configures a Server.
type Options struct {
	PairingTimeout time.Duration
	BufferSize     datasize.ByteSize
	// MaxReceivers caps the receiver count a party may ask for, 0 = no cap.
	MaxReceivers int
	// MaxPaths caps the number of concurrently claimed paths, 0 = no cap.
	MaxPaths       int
	RequestsPerMin int
	RequestsBurst  int
	// CountParam is the query parameter carrying the receiver count.
	CountParam string
	Version    string
	Logger     *zap.Logger
	MetricSink metrics.MetricSink
}

// Server serves the piping protocol. It is an http.Handler.
type Server struct {
	opts     Options
	registry *pipe.Registry
	pool     *bufpool.Pool
	limiter  *ipLimiter
	upgrader websocket.Upgrader
	logger   *zap.Logger
	msink    metrics.MetricSink

	baseCtx context.Context
	cancel  context.CancelFunc
	active  atomic.Int64
}

// New creates a server with its own path registry.
func New(opts Options) *Server {
	if opts.CountParam == "" {
		opts.CountParam = "n"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MetricSink == nil {
		opts.MetricSink = telemetry.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts: opts,
		registry: pipe.NewRegistry(
			pipe.WithPairingTimeout(opts.PairingTimeout),
			pipe.WithLogger(opts.Logger.Named("registry")),
			pipe.WithMetricSink(opts.MetricSink),
		),
		pool:    bufpool.New(opts.BufferSize),
		limiter: newIPLimiter(opts.RequestsPerMin, opts.RequestsBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  int(opts.BufferSize.Bytes()),
			WriteBufferSize: int(opts.BufferSize.Bytes()),
			CheckOrigin: func(r *http.Request) bool {
				return true // any origin may join a path
			},
		},
		logger:  opts.Logger,
		msink:   opts.MetricSink,
		baseCtx: ctx,
		cancel:  cancel,
	}
	return s
}

// Registry exposes the path registry.
func (s *Server) Registry() *pipe.Registry {
	return s.registry
}

// shutdownPollInterval is how often Shutdown checks for running transfers.
const shutdownPollInterval = 50 * time.Millisecond

// Shutdown stops accepting claims, ends every waiting party and waits for
// running transfers. Transfers still running when ctx is done are
// cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Close()
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	// a closed registry only holds paired paths; a path stays there until
	// its transfer released it, and active covers the rest of runTransfer
	for s.registry.Len() > 0 || s.active.Load() > 0 {
		select {
		case <-ctx.Done():
			s.cancel()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	s.cancel()
	return nil
}

// ActiveTransfers returns the number of running transfers.
func (s *Server) ActiveTransfers() int64 {
	return s.active.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.handlePreflight(w, r)
		return
	}
	if !s.limiter.Allow(clientIP(r)) {
		s.reject(w, http.StatusTooManyRequests, "rate limit exceeded", "rate")
		return
	}
	if isReserved(r.URL.Path) {
		s.handleReserved(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		s.handleReceiver(w, r)
	case http.MethodPut, http.MethodPost:
		s.handleSender(w, r)
	default:
		sendError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Unsupported method: %s.", r.Method))
	}
}

func (s *Server) reject(w http.ResponseWriter, code int, message, reason string) {
	s.msink.IncrCounterWithLabels(telemetry.MetricRequestRejectCount, 1,
		[]metrics.Label{telemetry.LabelReason.M(reason)})
	sendError(w, code, message)
}

// parseCount reads the desired receiver count, 0 when absent. On an
// invalid value it returns the response code and message.
func (s *Server) parseCount(r *http.Request) (n, status int, msg string) {
	param := s.opts.CountParam
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return 0, 0, ""
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, http.StatusBadRequest, fmt.Sprintf("Invalid %q query parameter.", param)
	}
	if n < 1 {
		return 0, http.StatusBadRequest, fmt.Sprintf("%s should > 0, but %s = %d.", param, param, n)
	}
	if s.opts.MaxReceivers > 0 && n > s.opts.MaxReceivers {
		return 0, http.StatusBadRequest,
			fmt.Sprintf("%s = %d exceeds the server limit of %d receivers.", param, n, s.opts.MaxReceivers)
	}
	return n, 0, ""
}

// pathLimitReached reports whether claiming path would exceed MaxPaths.
func (s *Server) pathLimitReached(path string) bool {
	if s.opts.MaxPaths <= 0 {
		return false
	}
	if _, ok := s.registry.Snapshot(path); ok {
		return false
	}
	return s.registry.Len() >= s.opts.MaxPaths
}

// await blocks until party has a terminal result. When ctx ends first and
// the path is not paired yet, the party leaves the path.
func (s *Server) await(ctx context.Context, path string, party *pipe.Party) error {
	select {
	case err := <-party.Done():
		return err
	case <-ctx.Done():
		if s.registry.Leave(path, party) {
			select {
			case err := <-party.Done():
				// finished before the hang up was seen
				return err
			default:
			}
			s.logger.Debug("party left before pairing",
				zap.String("path", path),
				zap.String("role", party.Role.String()),
				zap.String("party_id", party.ID))
			return errClientGone
		}
		// the transfer owns the party now; it fails fast on our dead stream
		return <-party.Done()
	}
}

// source is the sender side endpoint handed to the relay.
type source interface {
	relay.Closer
	Read(p []byte) (int, error)
	meta() senderMeta
	record(transferID string, res relay.Result, receivers int)
}

// sink is the receiver side endpoint handed to the relay.
type sink interface {
	relay.Sink
	relay.Closer
	begin(transferID string, m senderMeta) error
}

// runTransfer relays a freshly paired path. It runs on the goroutine whose
// claim completed the pairing, releases the path and only then tells every
// party how its stream ended.
func (s *Server) runTransfer(p *pipe.Pairing) {
	s.active.Inc()
	defer s.active.Dec()

	src := p.Sender.Endpoint.(source)
	m := src.meta()
	ends := make([]error, len(p.Receivers))
	sinks := make([]relay.Sink, 0, len(p.Receivers))
	index := make([]int, 0, len(p.Receivers))
	for i, rp := range p.Receivers {
		snk := rp.Endpoint.(sink)
		if err := snk.begin(p.ID, m); err != nil {
			ends[i] = errors.WithMessage(relay.ErrReceiverGone, err.Error())
			_ = snk.CloseWithError(ends[i])
			continue
		}
		sinks = append(sinks, snk)
		index = append(index, i)
	}

	s.logger.Info("transfer started",
		zap.String("path", p.Path),
		zap.String("transfer_id", p.ID),
		zap.Int("receivers", len(p.Receivers)),
		zap.Int64("content_length", m.length))

	res := relay.New(p.ID, src, sinks,
		relay.WithPool(s.pool),
		relay.WithExpectedSize(m.length),
		relay.WithLogger(s.logger.Named("relay").With(zap.String("path", p.Path))),
		relay.WithMetricSink(s.msink),
	).Run(s.baseCtx)
	for j, rr := range res.Receivers {
		ends[index[j]] = rr.Err
	}

	s.registry.Release(p.Path)
	src.record(p.ID, res, len(p.Receivers))
	p.Sender.Finish(res.Err)
	for i, rp := range p.Receivers {
		rp.Finish(ends[i])
	}
}

// errorStatus maps a terminal error to a response code and message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipe.ErrConflict):
		return http.StatusConflict, capitalize(err.Error()) + "."
	case errors.Is(err, pipe.ErrTimeout):
		return http.StatusRequestTimeout, "No counterpart connected in time. Please retry."
	case errors.Is(err, pipe.ErrClosed):
		return http.StatusServiceUnavailable, "The server is shutting down."
	case errors.Is(err, relay.ErrAllReceiversFailed):
		return http.StatusBadGateway, "All receivers disconnected before the end of the stream."
	case errors.Is(err, relay.ErrSenderAborted):
		return http.StatusBadRequest, "The upload ended before the end of the stream."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "The transfer was cancelled by the server."
	}
	return http.StatusInternalServerError, "Internal error."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}
