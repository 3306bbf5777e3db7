package clienthttp

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/piping/internal/progress"
	"github.com/sheerbytes/piping/internal/server"
)

func newPipingServer(t *testing.T, timeout time.Duration) (*server.Server, *httptest.Server) {
	t.Helper()
	srv := server.New(server.Options{PairingTimeout: timeout, Version: "test"})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func waitReceivers(t *testing.T, srv *server.Server, path string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := srv.Registry().Snapshot(path)
		return ok && st.Receivers == n
	}, 3*time.Second, 5*time.Millisecond)
}

func TestClient_SendReceive(t *testing.T) {
	srv, ts := newPipingServer(t, 5*time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var updates []progress.Stats
	c := New(WithHTTPClient(ts.Client()), WithProgress(0, func(s progress.Stats) {
		mu.Lock()
		updates = append(updates, s)
		mu.Unlock()
	}))

	payload := strings.Repeat("piping ", 10000)
	type received struct {
		res ReceiveResult
		buf bytes.Buffer
		err error
	}
	done := make(chan *received, 1)
	go func() {
		r := &received{}
		r.res, r.err = c.Receive(ctx, ts.URL+"/file", &r.buf, 0)
		done <- r
	}()
	waitReceivers(t, srv, "/file", 1)

	sent, err := c.Send(ctx, ts.URL+"/file", strings.NewReader(payload), SendOptions{
		ContentType: "text/plain",
		Filename:    "notes.txt",
		Size:        int64(len(payload)),
	})
	require.NoError(t, err)
	assert.Contains(t, sent.Report, "Sent 70000 byte(s) to 1 receiver(s)")
	assert.Equal(t, int64(len(payload)), sent.Bytes)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, payload, r.buf.String())
	assert.Equal(t, "text/plain", r.res.ContentType)
	assert.Contains(t, r.res.ContentDisposition, "notes.txt")
	assert.Equal(t, sent.TransferID, r.res.TransferID)
	assert.Equal(t, int64(len(payload)), r.res.Bytes)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	assert.Equal(t, int64(len(payload)), updates[len(updates)-1].Bytes)
}

func TestClient_MultipleReceivers(t *testing.T) {
	srv, ts := newPipingServer(t, 5*time.Second)
	ctx := context.Background()
	c := New(WithHTTPClient(ts.Client()))

	const n = 3
	bufs := make([]bytes.Buffer, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Receive(ctx, ts.URL+"/many", &bufs[i], n)
			errs <- err
		}()
	}
	waitReceivers(t, srv, "/many", n)

	_, err := c.Send(ctx, ts.URL+"/many", strings.NewReader("to everyone"), SendOptions{Receivers: n})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	for i := range bufs {
		assert.Equal(t, "to everyone", bufs[i].String())
	}
}

func TestClient_ReceiveTimeout(t *testing.T) {
	_, ts := newPipingServer(t, 50*time.Millisecond)
	c := New(WithHTTPClient(ts.Client()))

	var buf bytes.Buffer
	_, err := c.Receive(context.Background(), ts.URL+"/nobody", &buf, 0)
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusRequestTimeout, se.Code)
	assert.NotContains(t, se.Message, "[ERROR]")
}

func TestClient_SendConflict(t *testing.T) {
	srv, ts := newPipingServer(t, 5*time.Second)
	ctx := context.Background()
	c := New(WithHTTPClient(ts.Client()))

	first := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, ts.URL+"/busy", strings.NewReader("one"), SendOptions{})
		first <- err
	}()
	require.Eventually(t, func() bool {
		st, ok := srv.Registry().Snapshot("/busy")
		return ok && st.HasSender
	}, 3*time.Second, 5*time.Millisecond)

	_, err := c.Send(ctx, ts.URL+"/busy", strings.NewReader("two"), SendOptions{})
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusConflict, se.Code)

	var buf bytes.Buffer
	_, err = c.Receive(ctx, ts.URL+"/busy", &buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "one", buf.String())
	require.NoError(t, <-first)
}

func TestClient_Endpoint(t *testing.T) {
	c := New(WithCountParam("count"))

	u, err := c.endpoint("localhost:8080/path", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/path", u)

	u, err = c.endpoint("https://example.com/a/b?x=1", 2)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a/b?count=2&x=1", u)

	_, err = c.endpoint("http://example.com", 0)
	assert.Error(t, err)
	_, err = c.endpoint("http://example.com/", 0)
	assert.Error(t, err)
}
