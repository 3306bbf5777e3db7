package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sheerbytes/piping/internal/pipe"
	"github.com/sheerbytes/piping/internal/relay"
	"github.com/sheerbytes/piping/internal/telemetry"
)

const (
	wsPingInterval   = 30 * time.Second
	wsControlTimeout = 10 * time.Second
	wsCloseGrace     = 5 * time.Second
	// close reasons must fit in a control frame
	wsMaxCloseText = 120
)

// wsMeta is the first text message a WebSocket receiver gets.
type wsMeta struct {
	TransferID         string   `json:"transfer_id"`
	ContentType        string   `json:"content_type"`
	ContentLength      int64    `json:"content_length"`
	ContentDisposition string   `json:"content_disposition,omitempty"`
	Piping             []string `json:"x_piping,omitempty"`
}

// wsReport is the last text message a WebSocket sender gets.
type wsReport struct {
	TransferID string `json:"transfer_id,omitempty"`
	Status     int    `json:"status"`
	Bytes      int64  `json:"bytes"`
	Receivers  int    `json:"receivers"`
	Delivered  int    `json:"delivered"`
	Error      string `json:"error,omitempty"`
}

// wsConn serializes writes on a websocket connection and sends the close
// frame at most once.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) writeMessage(messageType int, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, p)
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) sendClose(code int, text string) {
	c.closeOnce.Do(func() {
		if len(text) > wsMaxCloseText {
			text = text[:wsMaxCloseText]
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(wsControlTimeout))
	})
}

func (c *wsConn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// closeCode maps a terminal error to a websocket close code.
func closeCode(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case errors.Is(err, pipe.ErrConflict):
		return websocket.ClosePolicyViolation
	case errors.Is(err, pipe.ErrTimeout):
		return websocket.CloseTryAgainLater
	case errors.Is(err, pipe.ErrClosed):
		return websocket.CloseGoingAway
	}
	return websocket.CloseInternalServerErr
}

// wsSink relays chunks as binary messages to a WebSocket receiver.
type wsSink struct {
	c   *wsConn
	ctx context.Context
}

func (w *wsSink) begin(transferID string, m senderMeta) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	contentType := m.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return w.c.writeJSON(wsMeta{
		TransferID:         transferID,
		ContentType:        contentType,
		ContentLength:      m.length,
		ContentDisposition: m.disposition,
		Piping:             m.piping,
	})
}

func (w *wsSink) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	if err := w.c.writeMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsSink) CloseWithError(err error) error {
	if err == nil {
		w.c.sendClose(websocket.CloseNormalClosure, "")
		return nil
	}
	_, msg := errorStatus(err)
	w.c.sendClose(closeCode(err), msg)
	return nil
}

// wsSource reads the data messages of a WebSocket sender as one stream. A
// normal close ends the stream.
type wsSource struct {
	c          *wsConn
	cur        io.Reader
	err        error
	ready      chan struct{}
	m          senderMeta
	transferID string
	res        relay.Result
	receivers  int
}

// next advances to the next data message, recording the end of the stream
// in w.err.
func (w *wsSource) next() {
	_, r, err := w.c.conn.NextReader()
	switch {
	case err == nil:
		w.cur = r
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		w.err = io.EOF
	default:
		w.err = err
	}
}

// watch waits for the first message. A hijacked connection has no request
// context to tell a hang up, so a failed read here calls cancel.
func (w *wsSource) watch(cancel context.CancelFunc) {
	defer close(w.ready)
	w.next()
	if w.err != nil && w.err != io.EOF {
		cancel()
	}
}

func (w *wsSource) Read(p []byte) (int, error) {
	<-w.ready
	for {
		if w.cur == nil {
			if w.err != nil {
				return 0, w.err
			}
			w.next()
			continue
		}
		n, err := w.cur.Read(p)
		if err == io.EOF {
			w.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsSource) meta() senderMeta { return w.m }

func (w *wsSource) record(transferID string, res relay.Result, receivers int) {
	w.transferID = transferID
	w.res = res
	w.receivers = receivers
}

func (w *wsSource) CloseWithError(error) error { return nil }

// handleWebSocket serves an upgrade request on a path. It is a receiver
// unless the role query parameter says sender.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	role := r.URL.Query().Get("role")
	if role != "" && role != "sender" && role != "receiver" {
		s.reject(w, http.StatusBadRequest, "Unknown role: "+role+".", "role")
		return
	}
	n, status, msg := s.parseCount(r)
	if status != 0 {
		s.reject(w, status, msg, "count")
		return
	}
	if s.pathLimitReached(path) {
		s.reject(w, http.StatusTooManyRequests, "Too many active paths. Please retry later.", "paths")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", telemetry.LabelPath.Z(path), zap.Error(err))
		return
	}
	defer conn.Close()
	c := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.keepAlive(ctx)

	if role == "sender" {
		s.serveWSSender(ctx, cancel, c, r, path, n)
		return
	}
	s.serveWSReceiver(ctx, cancel, c, r, path, n)
}

func (s *Server) serveWSReceiver(ctx context.Context, cancel context.CancelFunc, c *wsConn, r *http.Request, path string, n int) {
	// the client never sends data; reading processes control frames and
	// notices the disconnect
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := c.conn.NextReader(); err != nil {
				return
			}
		}
	}()
	defer func() {
		select {
		case <-readerDone:
		case <-time.After(wsCloseGrace):
		}
	}()

	snk := &wsSink{c: c, ctx: ctx}
	party := pipe.NewParty(pipe.RoleReceiver, snk)
	claim, err := s.registry.ClaimReceiver(path, n, party)
	if err != nil {
		s.logger.Debug("receiver claim rejected", telemetry.LabelPath.Z(path), zap.Error(err))
		_ = snk.CloseWithError(err)
		return
	}
	s.logger.Info("receiver connected",
		telemetry.LabelPath.Z(path),
		zap.String("party_id", party.ID),
		zap.Stringer("claim", claim.Outcome),
		zap.String("transport", "websocket"),
		zap.String("remote", r.RemoteAddr))
	if claim.Pairing != nil {
		s.runTransfer(claim.Pairing)
	}

	err = s.await(ctx, path, party)
	if errors.Is(err, errClientGone) {
		return
	}
	_ = snk.CloseWithError(err)
}

func (s *Server) serveWSSender(ctx context.Context, cancel context.CancelFunc, c *wsConn, r *http.Request, path string, n int) {
	src := &wsSource{c: c, ready: make(chan struct{}), m: senderMeta{
		contentType: r.Header.Get("Content-Type"),
		length:      -1,
		disposition: r.Header.Get("Content-Disposition"),
		piping:      r.Header.Values(headerPiping),
	}}
	// the close reply waits for the report
	c.conn.SetCloseHandler(func(int, string) error { return nil })

	party := pipe.NewParty(pipe.RoleSender, src)
	claim, err := s.registry.ClaimSender(path, n, party)
	watching := err == nil
	if err == nil {
		s.logger.Info("sender connected",
			telemetry.LabelPath.Z(path),
			zap.String("party_id", party.ID),
			zap.Stringer("claim", claim.Outcome),
			zap.String("transport", "websocket"),
			zap.String("remote", r.RemoteAddr))
		go src.watch(cancel)
		if claim.Pairing != nil {
			s.runTransfer(claim.Pairing)
		}
		err = s.await(ctx, path, party)
		if errors.Is(err, errClientGone) {
			return
		}
	}

	report := wsReport{
		TransferID: src.transferID,
		Status:     http.StatusOK,
		Bytes:      src.res.Bytes,
		Receivers:  src.receivers,
		Delivered:  src.res.Delivered,
	}
	if err != nil {
		report.Status, report.Error = errorStatus(err)
	}
	_ = c.writeJSON(report)
	c.sendClose(closeCode(err), report.Error)

	// drain until the peer answers the close frame; the watcher may still
	// hold the reader when no data was ever read
	_ = c.conn.SetReadDeadline(time.Now().Add(wsCloseGrace))
	if watching {
		<-src.ready
	}
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}
