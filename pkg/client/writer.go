package client

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"sync"

	"github.com/fission/fission-runtime-client/pkg/channel"
	"github.com/fission/fission-runtime-client/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type writerState int

const (
	writerIdle writerState = iota
	writerStreaming
	writerFinished
)

// stream is a chunked response request that is being written.
type stream struct {
	pw      *io.PipeWriter
	req     *http.Request
	done    chan streamResult
	cancel  context.CancelFunc
	gen    uint64
	// sent is closed once the request headers, including the trailer keys, are on the wire.
	sent chan struct{}
}

// headerSync closes sent on the first read of the body. Request.Write flushes the headers of a chunked body before it
// reads from it.
type headerSync struct {
	io.Reader
	once sync.Once
	sent chan struct{}
}

func (h *headerSync) Read(p []byte) (int, error) {
	h.once.Do(func() { close(h.sent) })
	return h.Reader.Read(p)
}

type streamResult struct {
	resp *http.Response
	err  error
}

// ResponseWriter sends the outcome of one invocation to the control plane.
//
// Exactly one terminal call (WriteAndFinish, Finish or ReportError) takes effect; later terminal calls and writes
// return ErrResponseAlreadySent. Writes after the first one stream the response in chunks. The writer is safe for
// concurrent use, but calls are serialized.
type ResponseWriter struct {
	client    *Client
	requestID string
	// gen is the generation of the connection that delivered the invocation.
	gen uint64
	log *logrus.Entry

	mu        sync.Mutex
	state     writerState
	stream    *stream
	postedGen uint64
}

func newResponseWriter(c *Client, requestID string, gen uint64) *ResponseWriter {
	return &ResponseWriter{
		client:    c,
		requestID: requestID,
		gen:       gen,
		log: log.WithFields(logrus.Fields{
			"requestId": requestID,
		}),
	}
}

// RequestID returns the id of the invocation the writer responds to.
func (w *ResponseWriter) RequestID() string {
	return w.requestID
}

// Finished reports whether a terminal call has been made.
func (w *ResponseWriter) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == writerFinished
}

// Generation returns the generation of the connection that carried the response, or 0 if none was sent yet.
func (w *ResponseWriter) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.postedGen
}

// WriteAndFinish sends b as the complete response. If the response is already being streamed, b is sent as the last
// chunk.
func (w *ResponseWriter) WriteAndFinish(ctx context.Context, b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen("WriteAndFinish"); err != nil {
		return err
	}
	if w.state == writerStreaming {
		if err := w.writeChunk(b); err != nil {
			w.abortStream(err)
			return err
		}
		return w.finishStream(ctx, nil)
	}
	w.state = writerFinished
	return w.post(ctx, endpointResponse, protocol.ResponsePath(w.requestID), b, nil)
}

// Write sends b as the next chunk of a streamed response. The first call starts the stream. If hasCustomHeaders is set,
// b carries the JSON prelude with status code and headers of an HTTP integration response; it is only allowed on the
// first chunk.
func (w *ResponseWriter) Write(ctx context.Context, b []byte, hasCustomHeaders bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen("Write"); err != nil {
		return err
	}
	if w.state == writerStreaming {
		if hasCustomHeaders {
			return ErrCustomHeadersNotFirst
		}
		if err := w.writeChunk(b); err != nil {
			w.abortStream(err)
			return err
		}
		return nil
	}

	if err := w.startStream(ctx, hasCustomHeaders); err != nil {
		w.state = writerFinished
		return err
	}
	if hasCustomHeaders {
		b = append(append([]byte{}, b...), protocol.PreludeSeparator...)
	}
	if err := w.writeChunk(b); err != nil {
		w.abortStream(err)
		return err
	}
	return nil
}

// Finish completes the response. Without any prior Write an empty response is sent.
func (w *ResponseWriter) Finish(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen("Finish"); err != nil {
		return err
	}
	if w.state == writerStreaming {
		return w.finishStream(ctx, nil)
	}
	w.state = writerFinished
	return w.post(ctx, endpointResponse, protocol.ResponsePath(w.requestID), nil, nil)
}

// ReportError reports the invocation as failed. While streaming, the error is sent in the trailers of the stream.
func (w *ResponseWriter) ReportError(ctx context.Context, invokeErr error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen("ReportError"); err != nil {
		return err
	}
	payload := protocol.NewErrorPayload(invokeErr)
	if w.state == writerStreaming {
		return w.finishStream(ctx, payload)
	}
	w.state = writerFinished
	return w.post(ctx, endpointError, protocol.ErrorPath(w.requestID), payload.JSON(), func(h http.Header) {
		h.Set(protocol.HeaderFunctionErrorType, payload.ErrorType)
		h.Set("Content-Type", "application/json")
	})
}

func (w *ResponseWriter) checkOpen(op string) error {
	if w.state != writerFinished {
		return nil
	}
	w.log.WithField("op", op).Error("Response already sent for invocation.")
	return errors.Wrapf(ErrResponseAlreadySent, "%s on invocation %s", op, w.requestID)
}

func (w *ResponseWriter) post(ctx context.Context, endpoint, path string, body []byte, decorate func(h http.Header)) error {
	gen, err := w.client.post(ctx, w.gen, endpoint, path, body, decorate)
	w.postedGen = gen
	if err != nil {
		w.log.Warnf("Failed to send %s: %v", endpoint, err)
	}
	return err
}

func (w *ResponseWriter) startStream(ctx context.Context, hasCustomHeaders bool) error {
	ch, err := w.client.channel(ctx, w.gen)
	if errors.Is(err, channel.ErrConnectionLost) {
		reconnectsTotal.Inc()
		ch, err = w.client.channel(ctx, 0)
	}
	if err != nil {
		requestsTotal.WithLabelValues(endpointResponse, "error").Inc()
		return err
	}

	pr, pw := io.Pipe()
	sent := make(chan struct{})
	body := &headerSync{Reader: pr, sent: sent}
	req, err := w.client.newRequest(ctx, http.MethodPost, protocol.ResponsePath(w.requestID), body)
	if err != nil {
		return err
	}
	req.ContentLength = -1
	req.Header.Set(protocol.HeaderResponseMode, protocol.ResponseModeStreaming)
	if hasCustomHeaders {
		req.Header.Set("Content-Type", protocol.ContentTypeHTTPIntegration)
	}
	req.Trailer = http.Header{
		protocol.HeaderFunctionErrorType: nil,
		protocol.HeaderFunctionErrorBody: nil,
	}

	// The round trip outlives the call that starts the stream; it ends when the stream is finished or aborted.
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		pw:     pw,
		req:    req,
		done:   make(chan streamResult, 1),
		cancel: cancel,
		gen:    ch.Generation(),
		sent:   sent,
	}
	go func() {
		resp, err := ch.RoundTrip(streamCtx, req)
		if err != nil {
			pr.CloseWithError(err)
		}
		s.done <- streamResult{resp: resp, err: err}
	}()
	w.stream = s
	w.state = writerStreaming
	w.postedGen = s.gen
	return nil
}

func (w *ResponseWriter) writeChunk(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := w.stream.pw.Write(b); err != nil {
		return errors.Wrap(err, "failed to write response chunk")
	}
	return nil
}

// finishStream ends the stream, setting the error trailers when payload is not nil, and waits for the control plane to
// acknowledge the response.
func (w *ResponseWriter) finishStream(ctx context.Context, payload *protocol.ErrorPayload) error {
	s := w.stream
	w.state = writerFinished

	var res streamResult
	ended := false
	if payload != nil {
		// Trailer values may only be set once the headers are written, whether or not a chunk was sent.
		select {
		case <-s.sent:
			s.req.Trailer.Set(protocol.HeaderFunctionErrorType, payload.ErrorType)
			s.req.Trailer.Set(protocol.HeaderFunctionErrorBody, base64.StdEncoding.EncodeToString(payload.JSON()))
		case res = <-s.done:
			ended = true
		case <-ctx.Done():
			s.pw.CloseWithError(ctx.Err())
			s.cancel()
			return ctx.Err()
		}
	}
	s.pw.Close()

	if !ended {
		select {
		case res = <-s.done:
		case <-ctx.Done():
			s.cancel()
			return ctx.Err()
		}
	}
	s.cancel()

	endpoint := endpointResponse
	if payload != nil {
		endpoint = endpointError
	}
	if res.err != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		w.log.Warnf("Failed to stream response: %v", res.err)
		return res.err
	}
	if err := checkAccepted(res.resp); err != nil {
		requestsTotal.WithLabelValues(endpoint, "status").Inc()
		return err
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func (w *ResponseWriter) abortStream(cause error) {
	s := w.stream
	w.state = writerFinished
	s.pw.CloseWithError(cause)
	<-s.done
	s.cancel()
}
