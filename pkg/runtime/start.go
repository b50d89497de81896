package runtime

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
)

// Start runs handler with the configuration from the environment and exits the process: with 0 after a stop signal,
// with 1 after an unrecoverable error. It does not return.
func Start(handler Handler, opts ...Option) {
	os.Exit(start(handler, os.LookupEnv, opts...))
}

func start(handler Handler, lookup func(string) (string, bool), opts ...Option) int {
	cfg, err := ConfigFromEnv(lookup)
	if err == nil {
		err = cfg.MergeDefaults()
	}
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		return 1
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		log.Warnf("Ignoring invalid log level %q.", cfg.LogLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	defer close(stopped)
	go handleStopSignal(cfg, cancel, stopped)

	opts = append([]Option{WithConfig(cfg)}, opts...)
	if err := New(handler, opts...).Run(ctx); err != nil {
		log.Errorf("Runtime failed: %v", err)
		return 1
	}
	return 0
}

// handleStopSignal cancels the runtime on the stop signal. A runtime that does not stop within the shutdown timeout
// is killed; a second signal kills it immediately.
func handleStopSignal(cfg Config, cancel context.CancelFunc, stopped <-chan struct{}) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, cfg.Signal(), os.Interrupt)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		log.Infof("Received %v, stopping.", sig)
		cancel()
	case <-stopped:
		return
	}

	timer := time.NewTimer(cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case sig := <-sigs:
		log.Errorf("Received %v while stopping, exiting.", sig)
		os.Exit(1)
	case <-timer.C:
		log.Errorf("Runtime did not stop within %v, exiting.", cfg.ShutdownTimeout)
		os.Exit(1)
	}
}
