// Package localserver is a control plane for local development and tests.
//
// It speaks the runtime side of the protocol for a single runtime process: invocations submitted with Invoke (or
// POST /invoke) are queued, handed out to polling runtimes and completed by the posted response or error.
package localserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fission/fission-runtime-client/pkg/protocol"
	"github.com/fission/fission-runtime-client/pkg/util"
	"github.com/fission/fission-runtime-client/pkg/util/labels"
	"github.com/fission/fission-runtime-client/pkg/util/mediatype"
	"github.com/fission/fission-runtime-client/pkg/util/pubsub"
	"github.com/fission/fission-runtime-client/pkg/util/workqueue"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const (
	DefaultInvokeTimeout = 5 * time.Minute
	DefaultQueueSize     = 1000

	// completedCacheSize bounds the number of completed request ids remembered to detect duplicate results.
	completedCacheSize = 1024

	labelRequestID = "requestId"
	errorTypeLocal = "LocalServer.Error"
)

var (
	ErrQueueFull       = errors.New("localserver: invocation queue is full")
	ErrServerClosed    = errors.New("localserver: server closed")
	ErrNotStarted      = errors.New("localserver: server not started")
	ErrInvalidPrelude  = errors.New("localserver: invalid http-integration prelude")
	ErrDuplicateResult = errors.New("localserver: result already posted for invocation")

	log = logrus.WithField("component", "localserver")

	invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "localserver",
		Name:      "invocations_total",
		Help:      "Count of invocations completed by the local server by result.",
	}, []string{"result"})

	queuedInvocations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runtime",
		Subsystem: "localserver",
		Name:      "queued_invocations",
		Help:      "Number of invocations waiting to be polled.",
	})
)

func init() {
	prometheus.MustRegister(invocationsTotal, queuedInvocations)
}

type Options struct {
	// CloseAfterNext closes the connection after every delivered invocation, before the response is posted.
	CloseAfterNext bool
	// CloseAfterResponse closes the connection after every accepted response or error.
	CloseAfterResponse bool
	// MaxConns limits the number of simultaneous connections; 0 means unlimited.
	MaxConns int
	// InvokeTimeout is the deadline handed to the runtime with every invocation.
	InvokeTimeout time.Duration
	QueueSize     int
	// AccessLog receives the access log; by default it is written to logrus at debug level.
	AccessLog io.Writer
}

// Result is the outcome of an invocation.
type Result struct {
	RequestID  string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Error is set when the runtime reported the invocation as failed.
	Error    *protocol.ErrorPayload
	Streamed bool
}

// integrationPrelude is the JSON prelude of an http-integration response.
type integrationPrelude struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Cookies    []string          `json:"cookies"`
}

type invocation struct {
	*protocol.Invocation
}

func (i *invocation) ID() interface{} {
	return i.RequestID
}

type Server struct {
	opts    Options
	router  *mux.Router
	queue   *workqueue.Type
	results *pubsub.DefaultPublisher

	mu        sync.Mutex
	inflight  map[string]*invocation
	completed *lru.Cache
	initErr   *protocol.ErrorPayload
	httpSrv   *http.Server
	listener  net.Listener
	accessLog io.Writer
	closers   []io.Closer
}

func New(opts Options) *Server {
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	completed, err := lru.New(completedCacheSize)
	if err != nil {
		panic(err)
	}
	s := &Server{
		opts:      opts,
		router:    mux.NewRouter(),
		queue:     workqueue.NewWorkQueue(opts.QueueSize),
		results:   pubsub.NewPublisher(),
		inflight:  map[string]*invocation{},
		completed: completed,
	}
	s.RegisterRoutes(s.router)
	return s
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(protocol.NextPath(), s.handleNext).Methods(http.MethodGet)
	r.HandleFunc(protocol.ResponsePath("{requestID}"), s.handleResponse).Methods(http.MethodPost)
	r.HandleFunc(protocol.ErrorPath("{requestID}"), s.handleError).Methods(http.MethodPost)
	r.HandleFunc(protocol.InitErrorPath(), s.handleInitError).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/invoke", s.handleInvoke).Methods(http.MethodPost)
}

// Handler returns the HTTP handler of the server, for use without Start.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr (host:port, port 0 picks a free port) and serves in the background.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	if s.opts.MaxConns > 0 {
		l = netutil.LimitListener(l, s.opts.MaxConns)
	}

	accessLog := s.opts.AccessLog
	if accessLog == nil {
		w := log.WriterLevel(logrus.DebugLevel)
		s.closers = append(s.closers, w)
		accessLog = w
	}
	srv := &http.Server{
		Handler: handlers.LoggingHandler(accessLog, s.router),
	}

	s.mu.Lock()
	s.listener = l
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Errorf("Local server failed: %v", err)
		}
	}()
	log.Infof("Local server listening at %s.", l.Addr())
	return nil
}

// Addr returns the address the server listens on, or an empty string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting invocations, fails the pending ones and shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.queue.ShutDown()
	s.results.Close()

	s.mu.Lock()
	srv := s.httpSrv
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		// Long polls never complete on their own, so they are cut off with the connections.
		err = srv.Shutdown(ctx)
		if err != nil {
			srv.Close()
		}
	}
	for _, c := range closers {
		c.Close()
	}
	return err
}

// InitError returns the initialization error reported by the runtime, if any.
func (s *Server) InitError() *protocol.ErrorPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// Pending returns the number of invocations waiting to be polled.
func (s *Server) Pending() int {
	return s.queue.Len()
}

// Invoke queues event for the runtime and waits for the result.
func (s *Server) Invoke(ctx context.Context, event []byte) (*Result, error) {
	inv := &invocation{
		Invocation: &protocol.Invocation{
			RequestID: util.UID(),
			TraceID:   newTraceID(),
			Deadline:  time.Now().Add(s.opts.InvokeTimeout),
			Payload:   event,
		},
	}
	sub := s.results.Subscribe(pubsub.SubscriptionOptions{
		Buf:           1,
		LabelSelector: labels.Equals{labelRequestID: inv.RequestID},
	})
	defer s.results.Unsubscribe(sub)

	if !s.queue.Add(inv) {
		if s.queue.ShuttingDown() {
			return nil, ErrServerClosed
		}
		return nil, ErrQueueFull
	}
	queuedInvocations.Inc()
	ctxLog := log.WithField("requestId", inv.RequestID)
	ctxLog.Debug("Invocation queued.")

	select {
	case msg, ok := <-sub.Ch:
		if !ok {
			return nil, ErrServerClosed
		}
		return msg.(*pubsub.GenericMsg).Payload().(*Result), nil
	case <-ctx.Done():
		ctxLog.Debug("Invocation abandoned.")
		s.mu.Lock()
		delete(s.inflight, inv.RequestID)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.GetContext(r.Context())
	if err != nil {
		if err == workqueue.ErrShuttingDown {
			writeError(w, http.StatusServiceUnavailable, ErrServerClosed)
		}
		return
	}
	s.queue.Done(item)
	queuedInvocations.Dec()
	inv := item.(*invocation)

	s.mu.Lock()
	s.inflight[inv.RequestID] = inv
	s.mu.Unlock()

	for k, v := range inv.Header() {
		w.Header()[k] = v
	}
	if s.opts.CloseAfterNext {
		w.Header().Set("Connection", "close")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(inv.Payload)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.take(w, r)
	if !ok {
		return
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.complete(inv, failedResult(inv, errors.Wrap(err, "failed to read response")))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result := &Result{
		RequestID:  inv.RequestID,
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       body,
		Streamed:   r.Header.Get(protocol.HeaderResponseMode) == protocol.ResponseModeStreaming,
	}
	if mt, err := mediatype.FromHeader(r.Header); err == nil && mt.Is(protocol.ContentTypeHTTPIntegration) {
		if err := applyPrelude(result); err != nil {
			result = failedResult(inv, err)
		}
	} else if err == nil {
		result.Header.Set(mediatype.HeaderContentType, mt.String())
	}
	if errType := r.Trailer.Get(protocol.HeaderFunctionErrorType); len(errType) != 0 {
		result.Error = trailerError(errType, r.Trailer.Get(protocol.HeaderFunctionErrorBody))
		result.StatusCode = http.StatusInternalServerError
	}

	s.complete(inv, result)
	s.accepted(w)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.take(w, r)
	if !ok {
		return
	}
	body, _ := ioutil.ReadAll(r.Body)
	s.complete(inv, &Result{
		RequestID:  inv.RequestID,
		StatusCode: http.StatusInternalServerError,
		Header:     http.Header{},
		Body:       body,
		Error:      parseErrorBody(r.Header.Get(protocol.HeaderFunctionErrorType), body),
	})
	s.accepted(w)
}

func (s *Server) handleInitError(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)
	payload := parseErrorBody(r.Header.Get(protocol.HeaderFunctionErrorType), body)
	log.Errorf("Runtime failed to initialize: %v", payload)

	s.mu.Lock()
	s.initErr = payload
	s.mu.Unlock()
	s.accepted(w)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	event, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.Invoke(r.Context(), event)
	if err != nil {
		status := http.StatusServiceUnavailable
		if err == context.DeadlineExceeded {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err)
		return
	}

	w.Header().Set(protocol.HeaderRequestID, result.RequestID)
	if result.Error != nil {
		mediatype.SetContentTypeHeader(mediatype.JSON, w)
		w.WriteHeader(result.StatusCode)
		w.Write(result.Error.JSON())
		return
	}
	for k, v := range result.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// take removes the in-flight invocation addressed by the request. A second result for the same invocation is
// answered with 409, a result for an unknown invocation with 404.
func (s *Server) take(w http.ResponseWriter, r *http.Request) (*invocation, bool) {
	id := mux.Vars(r)["requestID"]
	s.mu.Lock()
	inv, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ok {
		s.completed.Add(id, struct{}{})
		return inv, true
	}

	if s.completed.Contains(id) {
		log.WithField("requestId", id).Warn("Duplicate result posted for invocation.")
		writeError(w, http.StatusConflict, errors.Wrapf(ErrDuplicateResult, "request id %q", id))
		return nil, false
	}
	log.WithField("requestId", id).Warn("Result posted for unknown invocation.")
	writeError(w, http.StatusNotFound, errors.Errorf("unknown request id %q", id))
	return nil, false
}

func (s *Server) complete(inv *invocation, result *Result) {
	outcome := "ok"
	if result.Error != nil {
		outcome = "error"
	}
	invocationsTotal.WithLabelValues(outcome).Inc()
	msg := pubsub.NewGenericMsg(labels.Set{labelRequestID: inv.RequestID}, time.Now(), result)
	if err := s.results.Publish(msg); err != nil {
		log.WithField("requestId", inv.RequestID).Debugf("Dropped result: %v", err)
	}
}

func (s *Server) accepted(w http.ResponseWriter) {
	if s.opts.CloseAfterResponse {
		w.Header().Set("Connection", "close")
	}
	mediatype.SetContentTypeHeader(mediatype.JSON, w)
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"OK"}`))
}

// applyPrelude moves the status code and headers of an http-integration prelude from the body into the result.
func applyPrelude(result *Result) error {
	idx := bytes.Index(result.Body, protocol.PreludeSeparator)
	if idx < 0 {
		return errors.Wrap(ErrInvalidPrelude, "missing separator")
	}
	prelude := integrationPrelude{}
	if err := json.Unmarshal(result.Body[:idx], &prelude); err != nil {
		return errors.Wrapf(ErrInvalidPrelude, "%v", err)
	}
	if prelude.StatusCode != 0 {
		result.StatusCode = prelude.StatusCode
	}
	for k, v := range prelude.Headers {
		result.Header.Set(k, v)
	}
	for _, cookie := range prelude.Cookies {
		result.Header.Add("Set-Cookie", cookie)
	}
	result.Body = result.Body[idx+len(protocol.PreludeSeparator):]
	return nil
}

func trailerError(errType, encodedBody string) *protocol.ErrorPayload {
	body, err := base64.StdEncoding.DecodeString(encodedBody)
	if err != nil {
		return &protocol.ErrorPayload{ErrorType: errType, ErrorMessage: encodedBody}
	}
	return parseErrorBody(errType, body)
}

func parseErrorBody(errType string, body []byte) *protocol.ErrorPayload {
	payload, err := protocol.ParseErrorPayload(body)
	if err != nil {
		payload = &protocol.ErrorPayload{ErrorMessage: strings.TrimSpace(string(body))}
	}
	if len(payload.ErrorType) == 0 {
		payload.ErrorType = errType
	}
	if len(payload.ErrorType) == 0 {
		payload.ErrorType = protocol.UnhandledErrorType
	}
	return payload
}

func failedResult(inv *invocation, err error) *Result {
	return &Result{
		RequestID:  inv.RequestID,
		StatusCode: http.StatusBadGateway,
		Header:     http.Header{},
		Error:      &protocol.ErrorPayload{ErrorType: errorTypeLocal, ErrorMessage: err.Error()},
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	payload := &protocol.ErrorPayload{ErrorType: errorTypeLocal, ErrorMessage: err.Error()}
	mediatype.SetContentTypeHeader(mediatype.JSON, w)
	w.WriteHeader(status)
	w.Write(payload.JSON())
}

// newTraceID returns a trace id in the X-Ray header format.
func newTraceID() string {
	id := strings.Replace(util.UID(), "-", "", -1)
	return fmt.Sprintf("Root=1-%08x-%s;Sampled=1", time.Now().Unix(), id[:24])
}
