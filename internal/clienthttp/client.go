// Package clienthttp sends to and receives from a piping server over plain
// HTTP requests.
package clienthttp

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/sheerbytes/piping/internal/progress"
)

// TransferIDHeader carries the server's id of a transfer.
const TransferIDHeader = "X-Piping-Transfer-Id"

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return "server returned " + strconv.Itoa(e.Code) + ": " + e.Message
}

// Client talks to one piping server.
type Client struct {
	http       *http.Client
	countParam string
	onProgress func(progress.Stats)
	every      time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithCountParam sets the query parameter carrying the receiver count.
func WithCountParam(name string) Option {
	return func(c *Client) {
		c.countParam = name
	}
}

// WithProgress calls fn at most once per every while bytes flow, and once
// more when the stream ends.
func WithProgress(every time.Duration, fn func(progress.Stats)) Option {
	return func(c *Client) {
		c.every = every
		c.onProgress = fn
	}
}

// New creates a client. Transfers are not time limited; use the context.
func New(opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{},
		countParam: "n",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendOptions describe the payload of Send.
type SendOptions struct {
	// Receivers is the desired receiver count, 0 leaves it to the server.
	Receivers   int
	ContentType string
	// Filename sets an attachment Content-Disposition.
	Filename string
	// Size is the payload length, 0 when unknown.
	Size int64
}

// SendResult is the server's report of a finished send.
type SendResult struct {
	TransferID string
	Report     string
	Bytes      int64
}

// Send streams r to every receiver of target and returns the server's
// report once the transfer has ended.
func (c *Client) Send(ctx context.Context, target string, r io.Reader, opts SendOptions) (SendResult, error) {
	u, err := c.endpoint(target, opts.Receivers)
	if err != nil {
		return SendResult{}, err
	}
	meter := progress.NewMeter()
	meter.Start(sizeOrUnknown(opts.Size))
	body := &countingReader{r: r, meter: meter, c: c}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "create request")
	}
	if opts.Size > 0 {
		req.ContentLength = opts.Size
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.Filename != "" {
		req.Header.Set("Content-Disposition", "attachment; filename="+strconv.Quote(opts.Filename))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()
	report, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "read response")
	}
	c.report(meter)
	if err := checkStatus(resp, report); err != nil {
		return SendResult{}, err
	}
	return SendResult{
		TransferID: resp.Header.Get(TransferIDHeader),
		Report:     string(report),
		Bytes:      meter.Bytes(),
	}, nil
}

// ReceiveResult describes a finished receive.
type ReceiveResult struct {
	TransferID         string
	ContentType        string
	ContentDisposition string
	Bytes              int64
}

// Receive waits for the sender of target and copies its stream to w. A
// stream cut short by the server is an error.
func (c *Client) Receive(ctx context.Context, target string, w io.Writer, receivers int) (ReceiveResult, error) {
	u, err := c.endpoint(target, receivers)
	if err != nil {
		return ReceiveResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ReceiveResult{}, errors.Wrap(err, "create request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ReceiveResult{}, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ReceiveResult{}, checkStatus(resp, msg)
	}

	meter := progress.NewMeter()
	meter.Start(resp.ContentLength)
	res := ReceiveResult{
		TransferID:         resp.Header.Get(TransferIDHeader),
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
	}
	_, err = io.Copy(w, &countingReader{r: resp.Body, meter: meter, c: c})
	c.report(meter)
	res.Bytes = meter.Bytes()
	if err != nil {
		return res, errors.Wrap(err, "read stream")
	}
	return res, nil
}

func (c *Client) endpoint(target string, receivers int) (string, error) {
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	if u.Path == "" || u.Path == "/" {
		return "", errors.Errorf("url %q has no path", target)
	}
	if receivers > 0 {
		q := u.Query()
		q.Set(c.countParam, strconv.Itoa(receivers))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) report(meter *progress.Meter) {
	if c.onProgress != nil {
		c.onProgress(meter.Snapshot())
	}
}

func checkStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	msg = strings.TrimPrefix(msg, "[ERROR] ")
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

func sizeOrUnknown(n int64) int64 {
	if n > 0 {
		return n
	}
	return -1
}

// countingReader feeds a meter and reports progress at the client's pace.
type countingReader struct {
	r     io.Reader
	meter *progress.Meter
	c     *Client
	last  atomic.Int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.meter.Add(n)
		if cr.c.onProgress != nil {
			now := time.Now().UnixNano()
			if now-cr.last.Load() >= int64(cr.c.every) {
				cr.last.Store(now)
				cr.c.onProgress(cr.meter.Snapshot())
			}
		}
	}
	return n, err
}
