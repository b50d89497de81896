package channel

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	conns      int32
	closeAfter int32
	block      chan struct{}
}

func newTestServer(t *testing.T, closeAfterEachResponse bool) *testServer {
	ts := &testServer{block: make(chan struct{})}
	if closeAfterEachResponse {
		ts.closeAfter = 1
	}
	ts.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/block":
			select {
			case <-ts.block:
			case <-r.Context().Done():
			}
			return
		case "/echo":
			body, _ := ioutil.ReadAll(r.Body)
			fmt.Fprintf(w, "%s|%s", body, r.Trailer.Get("X-Status"))
			return
		}
		if atomic.LoadInt32(&ts.closeAfter) == 1 {
			w.Header().Set("Connection", "close")
		}
		w.Write([]byte("pong"))
	}))
	ts.Config.ConnState = func(conn net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt32(&ts.conns, 1)
		}
	}
	ts.Start()
	t.Cleanup(func() {
		close(ts.block)
		ts.Close()
	})
	return ts
}

func (ts *testServer) addr() string {
	return ts.Listener.Addr().String()
}

func (ts *testServer) connections() int {
	return int(atomic.LoadInt32(&ts.conns))
}

func newRequest(t *testing.T, addr, path string) *http.Request {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	require.NoError(t, err)
	return req
}

func roundTrip(t *testing.T, ctx context.Context, m *Manager, path string) (*Channel, string) {
	ch, err := m.Current(ctx)
	require.NoError(t, err)
	resp, err := ch.RoundTrip(ctx, newRequest(t, m.Addr(), path))
	require.NoError(t, err)
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return ch, string(body)
}

func waitClosed(t *testing.T, ch *Channel) {
	select {
	case <-ch.Closed():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel %d did not close", ch.Generation())
	}
}

// slowCloseConn delays Close, keeping connections in the closing set for a while.
type slowCloseConn struct {
	net.Conn
	delay   time.Duration
	release chan struct{}
}

func (c *slowCloseConn) Close() error {
	if c.release != nil {
		<-c.release
	} else {
		time.Sleep(c.delay)
	}
	return c.Conn.Close()
}

func slowCloseDialer(delay time.Duration, release chan struct{}) DialFunc {
	dialer := &net.Dialer{}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &slowCloseConn{Conn: conn, delay: delay, release: release}, nil
	}
}

func TestManager_ReusesConnection(t *testing.T) {
	srv := newTestServer(t, false)
	ctx := context.Background()
	m := NewManager(srv.addr())
	defer m.Shutdown(ctx)

	ch1, body := roundTrip(t, ctx, m, "/ping")
	assert.Equal(t, "pong", body)
	ch2, body := roundTrip(t, ctx, m, "/ping")
	assert.Equal(t, "pong", body)

	assert.Equal(t, ch1, ch2)
	assert.Equal(t, uint64(1), ch2.Generation())
	assert.Equal(t, 1, srv.connections())
	lookedUp, ok := m.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, ch1, lookedUp)
}

func TestManager_ServerCloseReconnects(t *testing.T) {
	srv := newTestServer(t, true)
	ctx := context.Background()
	m := NewManager(srv.addr())
	defer m.Shutdown(ctx)

	for i := 1; i <= 3; i++ {
		ch, body := roundTrip(t, ctx, m, "/ping")
		assert.Equal(t, "pong", body)
		assert.Equal(t, uint64(i), ch.Generation())
		waitClosed(t, ch)
		_, ok := m.Lookup(ch.Generation())
		assert.False(t, ok)
	}
	assert.Equal(t, 3, srv.connections())
	assert.Eventually(t, func() bool {
		return len(m.Closing()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_IdleCloseByServer(t *testing.T) {
	srv := newTestServer(t, false)
	ctx := context.Background()
	m := NewManager(srv.addr())
	defer m.Shutdown(ctx)

	ch, _ := roundTrip(t, ctx, m, "/ping")
	srv.CloseClientConnections()
	waitClosed(t, ch)

	_, err := ch.RoundTrip(ctx, newRequest(t, m.Addr(), "/ping"))
	assert.True(t, errors.Is(err, ErrConnectionLost), "unexpected error: %v", err)

	next, body := roundTrip(t, ctx, m, "/ping")
	assert.Equal(t, "pong", body)
	assert.Equal(t, uint64(2), next.Generation())
}

func TestManager_ConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx := context.Background()
	m := NewManager(addr)
	_, err = m.Current(ctx)
	assert.True(t, errors.Is(err, ErrConnectionLost), "unexpected error: %v", err)
	assert.Equal(t, uint64(0), m.Generation())

	// A failed dial leaves the manager usable; the next attempt uses a new generation.
	_, err = m.Current(ctx)
	assert.True(t, errors.Is(err, ErrConnectionLost))
	assert.NoError(t, m.Shutdown(ctx))
}

func TestManager_ShutdownAfterReconnects(t *testing.T) {
	for _, n := range []int{1, 2, 3, 10} {
		t.Run(fmt.Sprintf("reconnects-%d", n), func(t *testing.T) {
			srv := newTestServer(t, true)
			ctx := context.Background()
			m := NewManager(srv.addr(), WithDialer(slowCloseDialer(20*time.Millisecond, nil)))

			for i := 0; i < n; i++ {
				_, body := roundTrip(t, ctx, m, "/ping")
				assert.Equal(t, "pong", body)
			}

			start := time.Now()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			assert.NoError(t, m.Shutdown(shutdownCtx))
			assert.True(t, time.Since(start) < 5*time.Second)
			assert.Empty(t, m.Closing())
			assert.Equal(t, uint64(0), m.Generation())

			_, err := m.Current(ctx)
			assert.Equal(t, ErrShutdown, err)
		})
	}
}

func TestManager_ShutdownIsBounded(t *testing.T) {
	srv := newTestServer(t, false)
	release := make(chan struct{})
	defer close(release)
	m := NewManager(srv.addr(), WithDialer(slowCloseDialer(0, release)))
	roundTrip(t, context.Background(), m, "/ping")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.Shutdown(ctx)
	assert.True(t, errors.Is(err, ErrShutdownTimeout), "unexpected error: %v", err)
	assert.True(t, time.Since(start) < 2*time.Second)
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := NewManager("127.0.0.1:1")
	ctx := context.Background()
	assert.NoError(t, m.Shutdown(ctx))
	assert.NoError(t, m.Shutdown(ctx))
}

func TestChannel_ContextCanceled(t *testing.T) {
	srv := newTestServer(t, false)
	m := NewManager(srv.addr())
	defer m.Shutdown(context.Background())

	ch, err := m.Current(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ch.RoundTrip(ctx, newRequest(t, m.Addr(), "/block"))
	assert.Equal(t, context.DeadlineExceeded, err)
	waitClosed(t, ch)
}

func TestChannel_StreamingRequestWithTrailer(t *testing.T) {
	srv := newTestServer(t, false)
	ctx := context.Background()
	m := NewManager(srv.addr())
	defer m.Shutdown(ctx)

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "http://"+m.Addr()+"/echo", pr)
	require.NoError(t, err)
	req.ContentLength = -1
	req.Trailer = http.Header{"X-Status": nil}

	go func() {
		pw.Write([]byte("hello "))
		pw.Write([]byte("world"))
		req.Trailer.Set("X-Status", "done")
		pw.Close()
	}()

	ch, err := m.Current(ctx)
	require.NoError(t, err)
	resp, err := ch.RoundTrip(ctx, req)
	require.NoError(t, err)
	body, _ := ioutil.ReadAll(resp.Body)
	assert.Equal(t, "hello world|done", string(body))

	// The connection is reused after a streamed request.
	_, body2 := roundTrip(t, ctx, m, "/ping")
	assert.Equal(t, "pong", body2)
	assert.Equal(t, 1, srv.connections())
}
