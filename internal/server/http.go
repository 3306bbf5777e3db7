package server

import (
	"bufio"
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sheerbytes/piping/internal/relay"
)

// senderMeta is what a sender tells its receivers about the payload.
type senderMeta struct {
	contentType string
	length      int64 // -1 when unknown
	disposition string
	piping      []string
}

// senderBody picks the payload of a sender request. For multipart forms
// the first part is the payload.
func senderBody(r *http.Request) (io.Reader, senderMeta, error) {
	m := senderMeta{
		contentType: r.Header.Get("Content-Type"),
		length:      r.ContentLength,
		disposition: r.Header.Get("Content-Disposition"),
		piping:      r.Header.Values(headerPiping),
	}
	mediaType, _, err := mime.ParseMediaType(m.contentType)
	if err != nil || mediaType != "multipart/form-data" {
		return r.Body, m, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, m, errors.Wrap(err, "read multipart body")
	}
	part, err := mr.NextPart()
	if err != nil {
		return nil, m, errors.Wrap(err, "read first multipart part")
	}
	m.contentType = part.Header.Get("Content-Type")
	m.disposition = part.Header.Get("Content-Disposition")
	m.length = -1
	return part, m, nil
}

// httpSource reads the sender's request body.
type httpSource struct {
	br         *bufio.Reader
	ready      chan struct{}
	m          senderMeta
	transferID string
	res        relay.Result
	receivers  int
}

func newHTTPSource(body io.Reader, m senderMeta, size int) *httpSource {
	return &httpSource{
		br:    bufio.NewReaderSize(body, size),
		ready: make(chan struct{}),
		m:     m,
	}
}

// watch blocks until the first byte of the upload arrives. A read error
// before that calls cancel: an HTTP/1 server does not notice a hung up
// client while the body is unread. It must run exactly once.
func (h *httpSource) watch(cancel context.CancelFunc) {
	defer close(h.ready)
	if _, err := h.br.Peek(1); err != nil && err != io.EOF {
		cancel()
	}
}

func (h *httpSource) Read(p []byte) (int, error) {
	<-h.ready
	return h.br.Read(p)
}

func (h *httpSource) meta() senderMeta { return h.m }

func (h *httpSource) record(transferID string, res relay.Result, receivers int) {
	h.transferID = transferID
	h.res = res
	h.receivers = receivers
}

func (h *httpSource) CloseWithError(error) error { return nil }

// httpSink writes to a receiver's response.
type httpSink struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	ctx   context.Context
	began bool
}

func newHTTPSink(w http.ResponseWriter, r *http.Request) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w), ctx: r.Context()}
}

func (h *httpSink) begin(transferID string, m senderMeta) error {
	if err := h.ctx.Err(); err != nil {
		return err
	}
	hdr := h.w.Header()
	contentType := m.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	expose := []string{"Content-Length", "Content-Type", headerTransferID}
	if m.length >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(m.length, 10))
	}
	if m.disposition != "" {
		hdr.Set("Content-Disposition", m.disposition)
		expose = append(expose, "Content-Disposition")
	}
	for _, v := range m.piping {
		hdr.Add(headerPiping, v)
	}
	if len(m.piping) > 0 {
		expose = append(expose, headerPiping)
	}
	hdr.Set(headerTransferID, transferID)
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Expose-Headers", strings.Join(expose, ", "))
	hdr.Set("X-Robots-Tag", "none")
	hdr.Set("X-Content-Type-Options", "nosniff")
	h.w.WriteHeader(http.StatusOK)
	h.began = true
	return h.rc.Flush()
}

func (h *httpSink) Write(p []byte) (int, error) {
	if err := h.ctx.Err(); err != nil {
		return 0, err
	}
	return h.w.Write(p)
}

func (h *httpSink) Flush() error {
	return h.rc.Flush()
}

// CloseWithError is a no-op: the response ends when the receiver's handler
// returns, or is aborted there when err is not nil.
func (h *httpSink) CloseWithError(error) error { return nil }
