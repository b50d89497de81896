package runtime

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fission/fission-runtime-client/pkg/client"
	"github.com/fission/fission-runtime-client/pkg/protocol"
	"github.com/fission/fission-runtime-client/pkg/util/backoff"
	"github.com/fission/fission-runtime-client/pkg/util/fsm"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	StateWaiting    = "waiting-for-work"
	StateDispatched = "dispatched-to-handler"
	StateAwaiting   = "awaiting-completion"
	StateStopped    = "stopped"

	evReceived = "received"
	evReturned = "returned"
	evDone     = "done"
	evStop     = "stop"

	pollBackoffBase = 10 * time.Millisecond
	pollBackoffMax  = 2 * time.Second
)

var (
	// ErrResponseNotSent is reported for handlers that returned without completing their response.
	ErrResponseNotSent = errors.New("runtime: handler returned without sending a response")

	loopFsm = fsm.New(StateWaiting, []fsm.Transition{
		{Event: evReceived, Src: StateWaiting, Dst: StateDispatched},
		{Event: evReturned, Src: StateDispatched, Dst: StateAwaiting},
		{Event: evDone, Src: StateAwaiting, Dst: StateWaiting},
		{Event: evStop, Src: StateWaiting, Dst: StateStopped},
		{Event: evStop, Src: StateDispatched, Dst: StateStopped},
		{Event: evStop, Src: StateAwaiting, Dst: StateStopped},
	})

	invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "loop",
		Name:      "invocations_total",
		Help:      "Count of invocations handled by result.",
	}, []string{"result"})

	invocationDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "runtime",
		Subsystem:  "loop",
		Name:       "invocation_duration_seconds",
		Help:       "Duration of handler calls.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	pollErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runtime",
		Subsystem: "loop",
		Name:      "poll_errors_total",
		Help:      "Count of failed polls for the next invocation by kind.",
	}, []string{"kind"})

	activeLoops = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runtime",
		Subsystem: "loop",
		Name:      "active",
		Help:      "Number of running loops.",
	})
)

func init() {
	prometheus.MustRegister(invocationsTotal, invocationDuration, pollErrorsTotal, activeLoops)
}

// PanicError is reported for handlers that panicked.
type PanicError struct {
	Value interface{}
	stack []string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

func (e *PanicError) ErrorType() string {
	return "Runtime.Panic"
}

func (e *PanicError) Stack() []string {
	return e.stack
}

// Source delivers invocations to a loop.
type Source interface {
	NextInvocation(ctx context.Context) (*protocol.Invocation, ResponseWriter, error)
}

type clientSource struct {
	client *client.Client
}

// ClientSource polls the control plane through c.
func ClientSource(c *client.Client) Source {
	return &clientSource{client: c}
}

func (s *clientSource) NextInvocation(ctx context.Context) (*protocol.Invocation, ResponseWriter, error) {
	inv, w, err := s.client.NextInvocation(ctx)
	if err != nil {
		return nil, nil, err
	}
	return inv, w, nil
}

type LoopOptions struct {
	// Slot identifies the loop among concurrently running loops.
	Slot int
	// SetTraceEnv exposes the trace id in the legacy environment variable during handler calls. Only safe with a
	// single loop in the process.
	SetTraceEnv bool
	Tracer      opentracing.Tracer
}

// Loop polls one source for invocations and dispatches them to a handler, one at a time.
type Loop struct {
	source  Source
	handler Handler
	opts    LoopOptions
	state   *fsm.Instance
	backoff *backoff.Instance
	log     *logrus.Entry
}

func NewLoop(source Source, handler Handler, opts LoopOptions) *Loop {
	if opts.Tracer == nil {
		opts.Tracer = opentracing.GlobalTracer()
	}
	return &Loop{
		source:  source,
		handler: handler,
		opts:    opts,
		state:   loopFsm.NewInstance(),
		backoff: &backoff.Instance{
			BaseRetryDuration:  pollBackoffBase,
			BackoffPolicy:      backoff.ExponentialBackoff,
			MaxBackoffDuration: pollBackoffMax,
		},
		log: logrus.WithFields(logrus.Fields{
			"component": "loop",
			"slot":      opts.Slot,
		}),
	}
}

// State returns the current state of the loop.
func (l *Loop) State() string {
	return l.state.Current().(string)
}

// Run polls and handles invocations until ctx is canceled or polling fails with an unrecoverable error.
//
// Lost connections and protocol errors end the current poll only; the next poll is paced by a backoff that is reset
// after every delivered invocation. Cancellation stops polling for new invocations but never interrupts a handler that
// is running or a response that is being sent.
func (l *Loop) Run(ctx context.Context) error {
	activeLoops.Inc()
	defer activeLoops.Dec()
	defer l.transition(evStop)
	l.log.Debug("Loop started.")

	for {
		if ctx.Err() != nil {
			l.log.Debug("Loop stopped.")
			return nil
		}

		inv, w, err := l.source.NextInvocation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Debug("Loop stopped while polling.")
				return nil
			}
			switch {
			case errors.Is(err, client.ErrConnectionLost):
				pollErrorsTotal.WithLabelValues("connection_lost").Inc()
				l.log.Warnf("Lost connection to control plane: %v", err)
			case errors.Is(err, client.ErrProtocol):
				pollErrorsTotal.WithLabelValues("protocol").Inc()
				l.log.Errorf("Invalid response from control plane: %v", err)
			default:
				pollErrorsTotal.WithLabelValues("fatal").Inc()
				return errors.Wrap(err, "failed to poll for next invocation")
			}
			if !l.backoff.Backoff(ctx) {
				return nil
			}
			continue
		}
		l.backoff.Reset()
		l.invoke(ctx, inv, w)
	}
}

func (l *Loop) invoke(ctx context.Context, inv *protocol.Invocation, w ResponseWriter) {
	l.transition(evReceived)
	ic := newInvocationContext(inv, l.log)

	span := l.opts.Tracer.StartSpan("invoke", ext.SpanKindRPCServer)
	span.SetTag("requestId", inv.RequestID)
	span.SetTag("traceId", inv.TraceID)
	defer span.Finish()

	// The handler keeps running when the loop is canceled; it is bounded by the invocation deadline instead.
	hctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), inv.Deadline)
	defer cancel()
	hctx = opentracing.ContextWithSpan(NewContext(hctx, ic), span)

	ic.Logger.Debug("Dispatching invocation.")
	start := time.Now()
	err := l.callHandler(hctx, inv, w, ic)
	invocationDuration.Observe(time.Since(start).Seconds())
	l.transition(evReturned)

	// Reporting must not be cut short by the invocation deadline.
	rctx := context.WithoutCancel(hctx)
	result := "ok"
	switch {
	case err != nil && !w.Finished():
		result = "error"
		if _, ok := err.(*PanicError); ok {
			result = "panic"
		}
		ext.Error.Set(span, true)
		ic.Logger.Errorf("Handler failed: %v", err)
		if rerr := w.ReportError(rctx, err); rerr != nil {
			ic.Logger.Warnf("Failed to report handler error: %v", rerr)
		}
	case err != nil:
		result = "error"
		ext.Error.Set(span, true)
		ic.Logger.Errorf("Handler failed after completing its response: %v", err)
	case !w.Finished():
		result = "not_sent"
		ic.Logger.Error("Handler returned without completing its response.")
		if rerr := w.ReportError(rctx, ErrResponseNotSent); rerr != nil {
			ic.Logger.Warnf("Failed to report missing response: %v", rerr)
		}
	}
	invocationsTotal.WithLabelValues(result).Inc()
	l.transition(evDone)
}

// callHandler runs the handler, converting a panic into a PanicError.
func (l *Loop) callHandler(ctx context.Context, inv *protocol.Invocation, w ResponseWriter, ic *Context) (err error) {
	if l.opts.SetTraceEnv {
		if len(inv.TraceID) != 0 {
			os.Setenv(protocol.TraceIDEnv, inv.TraceID)
		} else {
			os.Unsetenv(protocol.TraceIDEnv)
		}
		defer os.Unsetenv(protocol.TraceIDEnv)
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Value: r,
				stack: strings.Split(strings.TrimSpace(string(debug.Stack())), "\n"),
			}
		}
	}()
	return l.handler.Invoke(ctx, inv.Payload, w, ic)
}

func (l *Loop) transition(event string) {
	if err := l.state.Evaluate(event); err != nil {
		l.log.Debugf("Ignoring loop event: %v", err)
	}
}
