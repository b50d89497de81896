package channel

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrConnectionLost is returned for any failure of the connection to the control plane: dial errors, I/O errors
	// and connections closed by the server while a request was in flight.
	ErrConnectionLost = errors.New("channel: connection to control plane lost")

	errUnsolicitedResponse = errors.New("channel: unsolicited response on idle connection")
	errClosedLocally       = errors.New("channel: closed")
	errEarlyResponse       = errors.New("channel: response received before request was written")
)

type result struct {
	resp *http.Response
	err  error
}

type pending struct {
	req *http.Request
	ch  chan result
}

// Channel is a single HTTP/1.1 connection to the control plane.
//
// Requests are strictly serialized: a request is only written after the response to the previous one has been read.
// A read loop owns the reading side of the connection; while idle it blocks on the connection, so that a close by the
// server is noticed without waiting for the next request.
type Channel struct {
	gen  uint64
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	log  *logrus.Entry

	// busy is a 1-slot semaphore held for the duration of a round trip.
	busy  chan struct{}
	reqch chan *pending

	// onCloseRequested is called (from the read loop) when the server announced that it closes the connection.
	onCloseRequested func(gen uint64)

	closeOnce sync.Once
	closeMu   sync.Mutex
	closeErr  error
	closing   chan struct{}
	closed    chan struct{}
}

func newChannel(gen uint64, conn net.Conn, onCloseRequested func(gen uint64)) *Channel {
	ch := &Channel{
		gen:              gen,
		conn:             conn,
		br:               bufio.NewReader(conn),
		bw:               bufio.NewWriter(conn),
		log:              log.WithField("generation", gen),
		busy:             make(chan struct{}, 1),
		reqch:            make(chan *pending, 1),
		onCloseRequested: onCloseRequested,
		closing:          make(chan struct{}),
		closed:           make(chan struct{}),
	}
	go ch.readLoop()
	return ch
}

// Generation returns the monotonic generation number of the connection.
func (c *Channel) Generation() uint64 {
	return c.gen
}

// Closed returns the close future of the channel: it is closed once the connection is fully closed.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Close closes the connection. It does not wait for the close to complete; use Closed for that.
func (c *Channel) Close() {
	c.closeWithError(errClosedLocally)
}

// Err returns the reason the channel was closed, or nil if it is still open.
func (c *Channel) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

func (c *Channel) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeErr = err
		c.closeMu.Unlock()
		close(c.closing)
		if cerr := c.conn.Close(); cerr != nil {
			c.log.Debugf("Failed to close connection: %v", cerr)
		}
	})
}

func (c *Channel) lostError() error {
	cause := c.Err()
	if cause == nil {
		cause = io.ErrUnexpectedEOF
	}
	return errors.Wrapf(ErrConnectionLost, "generation %d: %v", c.gen, cause)
}

// RoundTrip writes req on the connection and waits for its response. The response body is read completely before
// RoundTrip returns, so the returned body never blocks.
//
// Any I/O failure closes the channel and is reported as ErrConnectionLost. If ctx is done before the response
// arrived, the channel is closed as well, since the connection is left in an undefined state.
func (c *Channel) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case c.busy <- struct{}{}:
	case <-c.closing:
		return nil, c.lostError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.busy }()

	if c.isClosing() {
		return nil, c.lostError()
	}

	p := &pending{req: req, ch: make(chan result, 1)}
	c.reqch <- p

	writeDone := make(chan error, 1)
	go func() {
		err := req.Write(c.bw)
		if err == nil {
			err = c.bw.Flush()
		}
		writeDone <- err
	}()

	written := false
	for {
		select {
		case err := <-writeDone:
			if err != nil {
				c.closeWithError(err)
				return nil, c.lostError()
			}
			written = true
			writeDone = nil
		case res := <-p.ch:
			if !written {
				// The server answered before it read the complete request; the connection cannot be reused.
				c.closeWithError(errEarlyResponse)
			}
			return res.resp, res.err
		case <-c.closed:
			select {
			case res := <-p.ch:
				return res.resp, res.err
			default:
			}
			return nil, c.lostError()
		case <-ctx.Done():
			c.closeWithError(ctx.Err())
			return nil, ctx.Err()
		}
	}
}

func (c *Channel) readLoop() {
	defer close(c.closed)
	for {
		_, err := c.br.Peek(1)
		if err != nil {
			if err == io.EOF {
				c.log.Debug("Connection closed by control plane.")
			} else if !c.isClosing() {
				c.log.Debugf("Connection read failed: %v", err)
			}
			c.closeWithError(err)
			return
		}

		var p *pending
		select {
		case p = <-c.reqch:
		default:
			c.closeWithError(errUnsolicitedResponse)
			return
		}

		resp, err := http.ReadResponse(c.br, p.req)
		if err != nil {
			c.closeWithError(err)
			return
		}
		body, err := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			c.closeWithError(err)
			return
		}
		resp.Body = ioutil.NopCloser(bytes.NewReader(body))

		closeAfter := resp.Close || p.req.Close
		if closeAfter && c.onCloseRequested != nil {
			c.onCloseRequested(c.gen)
		}
		p.ch <- result{resp: resp}
		if closeAfter {
			c.closeWithError(errors.New("channel: control plane requested close"))
			return
		}
	}
}
