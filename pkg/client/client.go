// Package client implements the runtime side of the control-plane protocol: fetching the next invocation and posting
// its response or error.
//
// A Client owns a single channel.Manager and is meant to be used by one run-loop slot. Requests over the managed
// connection are strictly sequential, so a Client must not be used to poll for two invocations concurrently.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/fission/fission-runtime-client/pkg/channel"
	"github.com/fission/fission-runtime-client/pkg/protocol"
	"github.com/fission/fission-runtime-client/pkg/version"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// maxAttempts is the number of attempts of one request: the original one plus one transparent reconnect.
	maxAttempts = 2

	endpointNext      = "next"
	endpointResponse  = "response"
	endpointError     = "error"
	endpointInitError = "init_error"
)

var (
	// ErrConnectionLost is returned when the control plane could not be reached, also after reconnecting once.
	ErrConnectionLost = channel.ErrConnectionLost
	// ErrClosed is returned once the client has been closed.
	ErrClosed = channel.ErrShutdown

	ErrProtocol              = errors.New("client: control plane protocol error")
	ErrResponseAlreadySent   = errors.New("client: response already sent for invocation")
	ErrCustomHeadersNotFirst = errors.New("client: custom headers are only allowed on the first chunk")

	log = logrus.WithField("component", "client")

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Count of requests to the control plane by endpoint and result.",
	}, []string{"endpoint", "result"})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "client",
		Name:      "reconnects_total",
		Help:      "Count of transparent reconnect-and-retry attempts.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, reconnectsTotal)
}

// protocolError classifies as ErrProtocol while keeping the underlying cause inspectable.
type protocolError struct {
	cause error
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%v: %v", ErrProtocol, e.cause)
}

func (e *protocolError) Unwrap() error {
	return e.cause
}

func (e *protocolError) Is(target error) bool {
	return target == ErrProtocol
}

type Option func(c *Client)

// WithDialer sets the dialer used for connections to the control plane.
func WithDialer(dial channel.DialFunc) Option {
	return func(c *Client) {
		c.managerOpts = append(c.managerOpts, channel.WithDialer(dial))
	}
}

// WithTracer sets the tracer used to propagate span contexts to the control plane. By default the global tracer is
// used.
func WithTracer(tracer opentracing.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

type Client struct {
	endpoint    string
	conns       *channel.Manager
	managerOpts []channel.Option
	tracer      opentracing.Tracer
	userAgent   string
}

// New creates a client for the control plane at endpoint (host:port). No connection is made until the first request.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:  endpoint,
		userAgent: version.UserAgent(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.conns = channel.NewManager(endpoint, c.managerOpts...)
	return c
}

// Connections exposes the connection manager of the client.
func (c *Client) Connections() *channel.Manager {
	return c.conns
}

// Close shuts down the connections of the client, waiting at most until ctx is done.
func (c *Client) Close(ctx context.Context) error {
	return c.conns.Shutdown(ctx)
}

// NextInvocation blocks until the control plane hands out an invocation.
//
// If the connection is lost the request is retried once on a new connection; a second failure returns
// ErrConnectionLost. A response without the required headers returns an error matching ErrProtocol.
func (c *Client) NextInvocation(ctx context.Context) (*protocol.Invocation, *ResponseWriter, error) {
	resp, gen, err := c.do(ctx, 0, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, protocol.NextPath(), nil)
	})
	if err != nil {
		requestsTotal.WithLabelValues(endpointNext, "error").Inc()
		return nil, nil, err
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		requestsTotal.WithLabelValues(endpointNext, "status").Inc()
		return nil, nil, statusError(resp, body)
	}

	inv, err := protocol.ParseInvocation(resp.Header, body)
	if err != nil {
		requestsTotal.WithLabelValues(endpointNext, "protocol").Inc()
		return nil, nil, &protocolError{cause: err}
	}
	requestsTotal.WithLabelValues(endpointNext, "ok").Inc()
	log.WithFields(logrus.Fields{
		"requestId":  inv.RequestID,
		"generation": gen,
	}).Debug("Received invocation.")
	return inv, newResponseWriter(c, inv.RequestID, gen), nil
}

// ReportInitError reports a failure that occurred before the first invocation was fetched.
func (c *Client) ReportInitError(ctx context.Context, initErr error) error {
	payload := protocol.NewErrorPayload(initErr)
	_, err := c.post(ctx, 0, endpointInitError, protocol.InitErrorPath(), payload.JSON(), func(h http.Header) {
		h.Set(protocol.HeaderFunctionErrorType, payload.ErrorType)
		h.Set("Content-Type", "application/json")
	})
	return err
}

// post sends body to path, preferring the connection of generation gen, and checks that the control plane accepted
// it. It returns the generation of the connection that carried the request.
func (c *Client) post(ctx context.Context, gen uint64, endpoint, path string, body []byte,
	decorate func(h http.Header)) (uint64, error) {
	resp, usedGen, err := c.do(ctx, gen, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if decorate != nil {
			decorate(req.Header)
		}
		return req, nil
	})
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		return 0, err
	}
	if err := checkAccepted(resp); err != nil {
		requestsTotal.WithLabelValues(endpoint, "status").Inc()
		return usedGen, err
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return usedGen, nil
}

// do performs a request built by build, reconnecting and retrying once if the connection is lost. A non-zero gen is
// the preferred connection generation; it is used if it is still current.
func (c *Client) do(ctx context.Context, gen uint64, build func() (*http.Request, error)) (*http.Response, uint64, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ch, err := c.channel(ctx, gen)
		if err == nil {
			var req *http.Request
			req, err = build()
			if err != nil {
				return nil, 0, err
			}
			var resp *http.Response
			resp, err = ch.RoundTrip(ctx, req)
			if err == nil {
				return resp, ch.Generation(), nil
			}
		}
		if !errors.Is(err, channel.ErrConnectionLost) {
			return nil, 0, err
		}
		lastErr = err
		gen = 0
		if attempt+1 < maxAttempts {
			reconnectsTotal.Inc()
			log.Debugf("Connection lost, reconnecting: %v", err)
		}
	}
	return nil, 0, lastErr
}

func (c *Client) channel(ctx context.Context, gen uint64) (*channel.Channel, error) {
	if gen != 0 {
		if ch, ok := c.conns.Lookup(gen); ok {
			return ch, nil
		}
	}
	return c.conns.Current(ctx)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, "http://"+c.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.injectSpan(ctx, req)
	return req, nil
}

func (c *Client) injectSpan(ctx context.Context, req *http.Request) {
	span := opentracing.SpanFromContext(ctx)
	if span == nil {
		return
	}
	tracer := c.tracer
	if tracer == nil {
		tracer = opentracing.GlobalTracer()
	}
	err := tracer.Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(req.Header))
	if err != nil {
		log.Warnf("Failed to inject opentracing span context: %v", err)
	}
}

func checkAccepted(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := ioutil.ReadAll(resp.Body)
	return statusError(resp, body)
}

func statusError(resp *http.Response, body []byte) error {
	return &protocolError{
		cause: errors.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body))),
	}
}
