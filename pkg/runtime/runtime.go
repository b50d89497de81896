// Package runtime drives user handlers with invocations from the control plane.
//
// A Runtime runs one Loop per concurrency slot. Every slot owns its own client and connection, so slots share no
// state; the only process-wide state is the flag that allows a single Runtime to be active at a time.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/fission/fission-runtime-client/pkg/client"
	"github.com/fission/fission-runtime-client/pkg/localserver"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning  = errors.New("runtime: a runtime is already running in this process")
	ErrNoEndpoint      = errors.New("runtime: no control plane endpoint configured and local server disabled")
	ErrShutdownTimeout = errors.New("runtime: loops did not stop before the shutdown deadline")
	ErrInit            = errors.New("runtime: initialization failed")

	log = logrus.WithField("component", "runtime")

	// guard keeps two runtimes from polling the same control plane from one process.
	guard = &runGuard{}
)

// runGuard admits one running Runtime at a time.
type runGuard struct {
	running atomic.Bool
}

// acquire marks a runtime as running. The returned release must be called once the runtime stopped.
func (g *runGuard) acquire() (release func(), err error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	return func() {
		g.running.Store(false)
	}, nil
}

// Initializer runs once before the first invocation is polled.
type Initializer func(ctx context.Context) error

type Option func(r *Runtime)

func WithConfig(cfg Config) Option {
	return func(r *Runtime) {
		r.cfg = cfg
	}
}

func WithInitializer(init Initializer) Option {
	return func(r *Runtime) {
		r.init = init
	}
}

func WithTracer(tracer opentracing.Tracer) Option {
	return func(r *Runtime) {
		r.tracer = tracer
	}
}

// WithClientOptions sets options for the client of every slot.
func WithClientOptions(opts ...client.Option) Option {
	return func(r *Runtime) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// WithLocalServerOptions sets the options of the local server started when no endpoint is configured.
func WithLocalServerOptions(opts localserver.Options) Option {
	return func(r *Runtime) {
		r.localOpts = opts
	}
}

type Runtime struct {
	handler    Handler
	cfg        Config
	init       Initializer
	tracer     opentracing.Tracer
	clientOpts []client.Option
	localOpts  localserver.Options

	localOnce  sync.Once
	localReady chan struct{}
	localSrv   *localserver.Server
}

func New(handler Handler, opts ...Option) *Runtime {
	r := &Runtime{
		handler:    handler,
		cfg:        DefaultConfig(),
		localReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LocalServer waits until the runtime started its local server, or ctx is done. The server is shut down when Run
// returns.
func (r *Runtime) LocalServer(ctx context.Context) (*localserver.Server, error) {
	select {
	case <-r.localReady:
		return r.localSrv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run polls for and handles invocations until ctx is canceled or a slot fails with an unrecoverable error.
//
// With a concurrency of 1 the loop runs on the calling goroutine. Otherwise every slot runs on its own goroutine; the
// first error cancels the other slots, and once ctx is canceled the slots get ShutdownTimeout to finish their current
// invocation before ErrShutdownTimeout is returned.
func (r *Runtime) Run(ctx context.Context) error {
	release, err := guard.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := r.cfg.Validate(); err != nil {
		return err
	}
	endpoint, stop, err := r.resolveEndpoint()
	if err != nil {
		return err
	}
	defer stop()

	if r.init != nil {
		if err := r.initialize(ctx, endpoint); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"endpoint":    endpoint,
		"concurrency": r.cfg.Concurrency,
	}).Info("Runtime started.")
	if r.cfg.Concurrency == 1 {
		err = r.runSlot(ctx, endpoint, 0)
	} else {
		err = r.runSlots(ctx, endpoint)
	}
	log.Info("Runtime stopped.")
	return err
}

func (r *Runtime) resolveEndpoint() (string, func(), error) {
	if len(r.cfg.Endpoint) != 0 {
		return r.cfg.Endpoint, func() {}, nil
	}
	if !r.cfg.LocalServer.Enabled {
		return "", nil, ErrNoEndpoint
	}

	srv := localserver.New(r.localOpts)
	if err := srv.Start(r.cfg.LocalServer.Addr()); err != nil {
		return "", nil, errors.Wrap(err, "failed to start local server")
	}
	log.Infof("No control plane configured, serving locally at %s.", srv.Addr())
	r.localOnce.Do(func() {
		r.localSrv = srv
		close(r.localReady)
	})
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("Failed to shut down local server: %v", err)
		}
	}
	return srv.Addr(), stop, nil
}

func (r *Runtime) initialize(ctx context.Context, endpoint string) error {
	err := r.init(ctx)
	if err == nil {
		return nil
	}
	log.Errorf("Initialization failed: %v", err)

	c := client.New(endpoint, r.clientOptions()...)
	defer r.closeClient(c)
	if rerr := c.ReportInitError(ctx, err); rerr != nil {
		log.Warnf("Failed to report initialization error: %v", rerr)
	}
	return errors.Wrapf(ErrInit, "%v", err)
}

func (r *Runtime) runSlot(ctx context.Context, endpoint string, slot int) error {
	c := client.New(endpoint, r.clientOptions()...)
	defer r.closeClient(c)
	loop := NewLoop(ClientSource(c), r.handler, LoopOptions{
		Slot:        slot,
		SetTraceEnv: r.cfg.Concurrency == 1,
		Tracer:      r.tracer,
	})
	return loop.Run(ctx)
}

func (r *Runtime) runSlots(ctx context.Context, endpoint string) error {
	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < r.cfg.Concurrency; slot++ {
		slot := slot
		g.Go(func() error {
			return r.runSlot(gctx, endpoint, slot)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-gctx.Done():
	}

	timeout := r.shutdownTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.Wrapf(ErrShutdownTimeout, "after %v", timeout)
	}
}

func (r *Runtime) clientOptions() []client.Option {
	opts := make([]client.Option, 0, len(r.clientOpts)+1)
	if r.tracer != nil {
		opts = append(opts, client.WithTracer(r.tracer))
	}
	return append(opts, r.clientOpts...)
}

func (r *Runtime) closeClient(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.Warnf("Failed to close client: %v", err)
	}
}

func (r *Runtime) shutdownTimeout() time.Duration {
	if r.cfg.ShutdownTimeout > 0 {
		return r.cfg.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}
