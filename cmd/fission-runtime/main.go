package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fission/fission-runtime-client/pkg/localserver"
	"github.com/fission/fission-runtime-client/pkg/runtime"
	"github.com/fission/fission-runtime-client/pkg/version"
	"github.com/joho/godotenv"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerprom "github.com/uber/jaeger-lib/metrics/prometheus"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"
)

const serviceName = "fission-runtime"

var log = logrus.WithField("component", "cli")

func main() {
	cliApp := createCli()
	cliApp.Before = func(c *cli.Context) error {
		setupLogging(c)
		return loadEnvFiles(c)
	}
	cliApp.Action = func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx := signalContext(cfg.Signal(), cfg.ShutdownTimeout)

		stopMetrics := serveMetrics(c.GlobalString("metrics"))
		defer stopMetrics()
		opts := []runtime.Option{runtime.WithConfig(cfg)}
		if c.GlobalBool("tracing") {
			tracer, closer, err := setupTracing()
			if err != nil {
				return err
			}
			defer closer.Close()
			opts = append(opts, runtime.WithTracer(tracer))
		}
		return runtime.New(echoHandler, opts...).Run(ctx)
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

var echoHandler = runtime.HandlerFunc(func(ctx context.Context, event []byte, w runtime.ResponseWriter,
	ic *runtime.Context) error {
	ic.Logger.Infof("Echoing %d bytes, %v remaining.", len(event), ic.RemainingTime().Round(time.Millisecond))
	return w.WriteAndFinish(ctx, event)
})

func setupLogging(c *cli.Context) {
	if c.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func loadEnvFiles(c *cli.Context) error {
	files := c.GlobalStringSlice("env-file")
	if len(files) == 0 {
		return nil
	}
	// Variables already present in the environment are not overwritten.
	if err := godotenv.Load(files...); err != nil {
		return errors.Wrapf(err, "failed to load env files %v", files)
	}
	return nil
}

// loadConfig merges the configuration sources: flags, then the environment, then the config file, then defaults.
func loadConfig(c *cli.Context) (runtime.Config, error) {
	cfg := runtime.Config{}
	if c.GlobalIsSet("endpoint") {
		cfg.Endpoint = c.GlobalString("endpoint")
	}
	if c.GlobalIsSet("concurrency") {
		cfg.SetConcurrency(c.GlobalInt("concurrency"))
	}
	if c.GlobalIsSet("local") {
		cfg.LocalServer.Enabled = c.GlobalBool("local")
	}
	if c.GlobalIsSet("local-host") {
		cfg.LocalServer.Host = c.GlobalString("local-host")
	}
	if c.GlobalIsSet("local-port") {
		cfg.SetLocalPort(c.GlobalInt("local-port"))
	}

	env, err := runtime.ConfigFromEnv(os.LookupEnv)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Merge(env); err != nil {
		return cfg, err
	}
	if path := c.GlobalString("config"); len(path) != 0 {
		file, err := runtime.LoadConfigFile(path)
		if err != nil {
			return cfg, err
		}
		if err := cfg.Merge(file); err != nil {
			return cfg, err
		}
	}
	if err := cfg.MergeDefaults(); err != nil {
		return cfg, err
	}
	if !c.GlobalBool("debug") {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logrus.SetLevel(level)
		}
	}
	return cfg, cfg.Validate()
}

// signalContext is canceled on the stop signal. A second signal, or not stopping within timeout, exits the process.
func signalContext(stopSignal os.Signal, timeout time.Duration) context.Context {
	ctx, cancelFn := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, stopSignal, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-c
		log.Infof("Received signal %v, stopping.", sig)
		cancelFn()
		select {
		case sig = <-c:
			log.Errorf("Received signal %v while stopping; forcing shutdown.", sig)
		case <-time.After(timeout):
			log.Errorf("Deadline exceeded; forcing shutdown.")
		}
		os.Exit(1)
	}()
	return ctx
}

func serveMetrics(addr string) func() {
	if len(addr) == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	log.Infof("Serving prometheus metrics at http://%s/metrics", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// setupTracing configures a jaeger tracer from the JAEGER_* environment variables and installs it as the global
// tracer.
func setupTracing() (opentracing.Tracer, io.Closer, error) {
	cfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read tracing configuration")
	}
	if len(cfg.ServiceName) == 0 {
		cfg.ServiceName = serviceName
	}
	tracer, closer, err := cfg.NewTracer(jaegercfg.Metrics(jaegerprom.New()))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to set up tracing")
	}
	opentracing.SetGlobalTracer(tracer)
	log.Infof("Tracing enabled for service %s.", cfg.ServiceName)
	return tracer, closer, nil
}

func runLocalServer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := signalContext(cfg.Signal(), cfg.ShutdownTimeout)
	stopMetrics := serveMetrics(c.GlobalString("metrics"))
	defer stopMetrics()

	srv := localserver.New(localserver.Options{
		CloseAfterNext:     c.Bool("close-after-next"),
		CloseAfterResponse: c.Bool("close-after-response"),
		MaxConns:           c.Int("max-conns"),
		InvokeTimeout:      c.Duration("invoke-timeout"),
		AccessLog:          os.Stdout,
	})
	if err := srv.Start(cfg.LocalServer.Addr()); err != nil {
		return err
	}
	log.Infof("Serving control plane at %s; invoke with POST http://%s/invoke", srv.Addr(), srv.Addr())
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func printConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func createCli() *cli.App {
	cliApp := cli.NewApp()
	cliApp.Name = serviceName
	cliApp.Usage = "Run a function handler against a serverless control plane"
	cliApp.Version = version.Version

	cliApp.Flags = []cli.Flag{
		// Generic
		cli.BoolFlag{
			Name:   "d, debug",
			EnvVar: "RUNTIME_DEBUG",
		},
		cli.StringFlag{
			Name:   "config",
			Usage:  "YAML file with the runtime configuration",
			EnvVar: "RUNTIME_CONFIG",
		},
		cli.StringSliceFlag{
			Name:   "env-file",
			Usage:  "Dotenv file loaded into the environment before reading the configuration (can be repeated)",
			EnvVar: "RUNTIME_ENV_FILE",
		},
		cli.StringFlag{
			Name:   "metrics",
			Usage:  "Address to serve prometheus metrics at, e.g. :9090",
			EnvVar: "RUNTIME_METRICS",
		},
		cli.BoolFlag{
			Name:   "tracing",
			Usage:  "Report spans to jaeger, configured by the JAEGER_* environment variables",
			EnvVar: "RUNTIME_TRACING",
		},

		// Control plane
		cli.StringFlag{
			Name:  "endpoint",
			Usage: "host:port of the control plane (default: " + runtime.EnvEndpoint + ")",
		},
		cli.IntFlag{
			Name:  "concurrency",
			Usage: "Number of invocations handled concurrently (default: " + runtime.EnvMaxConcurrency + " or 1)",
		},

		// Local server
		cli.BoolFlag{
			Name:  "local",
			Usage: "Serve a local control plane when no endpoint is configured",
		},
		cli.StringFlag{
			Name:  "local-host",
			Usage: "Host of the local control plane",
		},
		cli.IntFlag{
			Name:  "local-port",
			Usage: "Port of the local control plane",
		},
	}

	cliApp.Commands = []cli.Command{
		{
			Name:   "local-server",
			Usage:  "Serve a standalone control plane to debug runtimes with",
			Action: runLocalServer,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "close-after-next",
					Usage: "Close the connection after every delivered invocation",
				},
				cli.BoolFlag{
					Name:  "close-after-response",
					Usage: "Close the connection after every accepted response",
				},
				cli.IntFlag{
					Name:  "max-conns",
					Usage: "Maximum number of simultaneous connections, 0 for no limit",
				},
				cli.DurationFlag{
					Name:  "invoke-timeout",
					Usage: "Deadline of invocations",
					Value: 5 * time.Minute,
				},
			},
		},
		{
			Name:  "version",
			Usage: "Print version information",
			Action: func(c *cli.Context) error {
				fmt.Println(version.VersionInfo().JSON())
				return nil
			},
		},
		{
			Name:   "config",
			Usage:  "Print the resolved configuration",
			Hidden: true,
			Action: printConfig,
		},
	}

	return cliApp
}
