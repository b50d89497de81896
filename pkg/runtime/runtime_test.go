package runtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fission/fission-runtime-client/pkg/localserver"
	"github.com/fission/fission-runtime-client/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localConfig(concurrency int) Config {
	cfg := DefaultConfig()
	cfg.Concurrency = concurrency
	cfg.LocalServer.Enabled = true
	cfg.LocalServer.Port = 0
	return cfg
}

var echo = BytesHandler(func(ctx context.Context, event []byte) ([]byte, error) {
	return event, nil
})

// runAsync runs rt and returns its local server once it is serving.
func runAsync(t *testing.T, ctx context.Context, rt *Runtime) (*localserver.Server, <-chan error) {
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(ctx)
	}()
	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, err := rt.LocalServer(wctx)
	require.NoError(t, err)
	return srv, done
}

func awaitRun(t *testing.T, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
		return nil
	}
}

func invoke(t *testing.T, srv *localserver.Server, event string) *localserver.Result {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := srv.Invoke(ctx, []byte(event))
	require.NoError(t, err)
	return result
}

func TestRuntime_LocalServerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, done := runAsync(t, ctx, New(echo, WithConfig(localConfig(1))))

	result := invoke(t, srv, "hello")
	assert.Equal(t, "hello", string(result.Body))
	assert.Nil(t, result.Error)

	cancel()
	assert.NoError(t, awaitRun(t, done))
	assert.False(t, guard.running.Load())
}

func TestRuntime_ExplicitEndpoint(t *testing.T) {
	srv := localserver.New(localserver.Options{})
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Shutdown(context.Background())

	cfg := DefaultConfig()
	cfg.Endpoint = srv.Addr()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- New(echo, WithConfig(cfg)).Run(ctx)
	}()

	assert.Equal(t, "ping", string(invoke(t, srv, "ping").Body))
	cancel()
	assert.NoError(t, awaitRun(t, done))
}

func TestRuntime_AlreadyRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, done := runAsync(t, ctx, New(echo, WithConfig(localConfig(1))))

	err := New(echo, WithConfig(localConfig(1))).Run(context.Background())
	assert.Equal(t, ErrAlreadyRunning, err)

	cancel()
	require.NoError(t, awaitRun(t, done))

	// The flag is released once the first runtime stopped.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	_, done = runAsync(t, ctx, New(echo, WithConfig(localConfig(1))))
	cancel()
	assert.NoError(t, awaitRun(t, done))
}

func TestRuntime_ConfigurationErrors(t *testing.T) {
	err := New(echo).Run(context.Background())
	assert.Equal(t, ErrNoEndpoint, err)
	assert.False(t, guard.running.Load())

	cfg := localConfig(0)
	err = New(echo, WithConfig(cfg)).Run(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidConfig), "unexpected error: %v", err)
	assert.False(t, guard.running.Load())
}

func TestRuntime_ConcurrentSlots(t *testing.T) {
	const concurrency = 4
	var mu sync.Mutex
	inflight, peak := 0, 0
	release := make(chan struct{})
	handler := BytesHandler(func(ctx context.Context, event []byte) ([]byte, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inflight--
		mu.Unlock()
		return event, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, done := runAsync(t, ctx, New(handler, WithConfig(localConfig(concurrency))))

	var wg sync.WaitGroup
	results := make([]string, 2*concurrency)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = string(invoke(t, srv, fmt.Sprintf("event-%d", i)).Body)
		}(i)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inflight == concurrency
	}, 10*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()

	for i, body := range results {
		assert.Equal(t, fmt.Sprintf("event-%d", i), body)
	}
	assert.Equal(t, concurrency, peak)

	cancel()
	assert.NoError(t, awaitRun(t, done))
}

func TestRuntime_InitializerFailure(t *testing.T) {
	rt := New(echo,
		WithConfig(localConfig(1)),
		WithInitializer(func(ctx context.Context) error {
			return errors.New("missing credentials")
		}))

	err := rt.Run(context.Background())
	assert.True(t, errors.Is(err, ErrInit), "unexpected error: %v", err)
	assert.Contains(t, err.Error(), "missing credentials")

	srv, err := rt.LocalServer(context.Background())
	require.NoError(t, err)
	require.NotNil(t, srv.InitError())
	assert.Equal(t, "missing credentials", srv.InitError().ErrorMessage)
}

func TestRuntime_InitializerRunsBeforePolling(t *testing.T) {
	initialized := make(chan struct{})
	handler := BytesHandler(func(ctx context.Context, event []byte) ([]byte, error) {
		select {
		case <-initialized:
			return []byte("ready"), nil
		default:
			return nil, errors.New("not initialized")
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, done := runAsync(t, ctx, New(handler,
		WithConfig(localConfig(1)),
		WithInitializer(func(ctx context.Context) error {
			close(initialized)
			return nil
		})))

	assert.Equal(t, "ready", string(invoke(t, srv, "event").Body))
	cancel()
	assert.NoError(t, awaitRun(t, done))
}

func TestRuntime_StopWaitsForRunningInvocation(t *testing.T) {
	started := make(chan struct{})
	handler := BytesHandler(func(ctx context.Context, event []byte) ([]byte, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return []byte("done"), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, done := runAsync(t, ctx, New(handler, WithConfig(localConfig(1))))

	pending := make(chan *localserver.Result, 1)
	go func() {
		result, _ := srv.Invoke(context.Background(), []byte("event"))
		pending <- result
	}()
	<-started
	cancel()

	assert.NoError(t, awaitRun(t, done))
	result := <-pending
	require.NotNil(t, result)
	assert.Equal(t, "done", string(result.Body))
}

func TestRuntime_ShutdownTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	handler := BytesHandler(func(ctx context.Context, event []byte) ([]byte, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	cfg := localConfig(2)
	cfg.ShutdownTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, done := runAsync(t, ctx, New(handler, WithConfig(cfg)))
	go srv.Invoke(context.Background(), []byte("event"))
	<-started

	cancel()
	err := awaitRun(t, done)
	assert.True(t, errors.Is(err, ErrShutdownTimeout), "unexpected error: %v", err)
	assert.False(t, guard.running.Load())
}

// traceEnvHandler answers with the trace id of the invocation and the value of the trace environment variable.
var traceEnvHandler = BytesHandler(func(ctx context.Context, event []byte) ([]byte, error) {
	env, set := os.LookupEnv(protocol.TraceIDEnv)
	return []byte(fmt.Sprintf("%s|%s|%v", TraceIDFromContext(ctx), env, set)), nil
})

func TestRuntime_TraceEnvSingleConcurrency(t *testing.T) {
	os.Unsetenv(protocol.TraceIDEnv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, done := runAsync(t, ctx, New(traceEnvHandler, WithConfig(localConfig(1))))

	for i := 0; i < 3; i++ {
		parts := strings.SplitN(string(invoke(t, srv, "event").Body), "|", 3)
		require.Len(t, parts, 3)
		assert.NotEmpty(t, parts[0])
		assert.Equal(t, parts[0], parts[1])
		assert.Equal(t, "true", parts[2])
	}

	cancel()
	assert.NoError(t, awaitRun(t, done))
	_, set := os.LookupEnv(protocol.TraceIDEnv)
	assert.False(t, set)
}

func TestRuntime_TraceEnvUnsetWithConcurrentSlots(t *testing.T) {
	os.Unsetenv(protocol.TraceIDEnv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, done := runAsync(t, ctx, New(traceEnvHandler, WithConfig(localConfig(3))))

	var wg sync.WaitGroup
	bodies := make([][]byte, 9)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i] = invoke(t, srv, "event").Body
		}(i)
	}
	wg.Wait()

	for _, body := range bodies {
		parts := strings.SplitN(string(body), "|", 3)
		require.Len(t, parts, 3)
		assert.NotEmpty(t, parts[0])
		assert.Empty(t, parts[1])
		assert.Equal(t, "false", parts[2])
	}

	cancel()
	assert.NoError(t, awaitRun(t, done))
}
