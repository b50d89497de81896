package runtime

import (
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	EnvEndpoint           = "AWS_LAMBDA_RUNTIME_API"
	EnvMaxConcurrency     = "AWS_LAMBDA_MAX_CONCURRENCY"
	EnvLocalServerEnabled = "LOCAL_LAMBDA_SERVER_ENABLED"
	EnvLocalHost          = "LOCAL_LAMBDA_HOST"
	EnvLocalPort          = "LOCAL_LAMBDA_PORT"
	EnvStopSignal         = "LAMBDA_RUNTIME_STOP_SIGNAL"
	EnvShutdownTimeout    = "LAMBDA_RUNTIME_SHUTDOWN_TIMEOUT"
	EnvLogLevel           = "LOG_LEVEL"

	DefaultLocalHost       = "127.0.0.1"
	DefaultLocalPort       = 7000
	DefaultStopSignal      = "SIGTERM"
	DefaultShutdownTimeout = 10 * time.Second
)

var ErrInvalidConfig = errors.New("runtime: invalid configuration")

var stopSignals = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

type LocalServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	// Port 0 picks a free port.
	Port int `yaml:"port"`
}

func (c LocalServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Config struct {
	// Endpoint is the host:port of the control plane.
	Endpoint        string            `yaml:"endpoint"`
	Concurrency     int               `yaml:"concurrency"`
	LocalServer     LocalServerConfig `yaml:"localServer"`
	StopSignal      string            `yaml:"stopSignal"`
	ShutdownTimeout time.Duration     `yaml:"shutdownTimeout"`
	LogLevel        string            `yaml:"logLevel"`

	// explicit marks the numeric fields a source set, so that an explicit 0 is not mistaken for unset when merging.
	explicit fieldSet
}

type fieldSet uint8

const (
	fieldConcurrency fieldSet = 1 << iota
	fieldLocalPort
)

// SetConcurrency sets the concurrency, including 0, so that lower priority sources do not replace it.
func (c *Config) SetConcurrency(n int) {
	c.Concurrency = n
	c.explicit |= fieldConcurrency
}

// SetLocalPort sets the local server port, including 0, so that lower priority sources do not replace it.
func (c *Config) SetLocalPort(port int) {
	c.LocalServer.Port = port
	c.explicit |= fieldLocalPort
}

// UnmarshalYAML records which numeric fields the document sets.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	var keys map[string]interface{}
	if err := unmarshal(&keys); err != nil {
		return err
	}
	if _, ok := keys["concurrency"]; ok {
		c.explicit |= fieldConcurrency
	}
	if local, ok := keys["localServer"].(map[interface{}]interface{}); ok {
		if _, ok := local["port"]; ok {
			c.explicit |= fieldLocalPort
		}
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 1,
		LocalServer: LocalServerConfig{
			Host: DefaultLocalHost,
			Port: DefaultLocalPort,
		},
		StopSignal:      DefaultStopSignal,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        "info",
	}
}

// ConfigFromEnv reads the configuration from environment variables using lookup, typically os.LookupEnv. Unset
// variables are left at their zero value.
func ConfigFromEnv(lookup func(key string) (string, bool)) (Config, error) {
	cfg := Config{}
	get := func(key string) string {
		val, _ := lookup(key)
		return strings.TrimSpace(val)
	}

	cfg.Endpoint = get(EnvEndpoint)
	cfg.LocalServer.Host = get(EnvLocalHost)
	cfg.StopSignal = strings.ToUpper(get(EnvStopSignal))
	cfg.LogLevel = get(EnvLogLevel)

	if val := get(EnvMaxConcurrency); len(val) != 0 {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, errors.Wrapf(ErrInvalidConfig, "%s: %q is not an integer", EnvMaxConcurrency, val)
		}
		cfg.SetConcurrency(n)
	}
	if val := get(EnvLocalPort); len(val) != 0 {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, errors.Wrapf(ErrInvalidConfig, "%s: %q is not a port", EnvLocalPort, val)
		}
		cfg.SetLocalPort(n)
	}
	if val := get(EnvLocalServerEnabled); len(val) != 0 {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, errors.Wrapf(ErrInvalidConfig, "%s: %q is not a boolean", EnvLocalServerEnabled, val)
		}
		cfg.LocalServer.Enabled = enabled
	}
	if val := get(EnvShutdownTimeout); len(val) != 0 {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, errors.Wrapf(ErrInvalidConfig, "%s: %q is not a duration", EnvShutdownTimeout, val)
		}
		cfg.ShutdownTimeout = d
	}
	return cfg, nil
}

func LoadConfigFile(path string) (Config, error) {
	cfg := Config{}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(ErrInvalidConfig, "failed to read %s: %v", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrInvalidConfig, "failed to parse %s: %v", path, err)
	}
	return cfg, nil
}

// Merge fills the unset fields of c with the values of other. Sources are merged from the highest priority down.
func (c *Config) Merge(other Config) error {
	concurrency, port := c.Concurrency, c.LocalServer.Port
	if err := mergo.Merge(c, other); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "failed to merge configuration: %v", err)
	}
	// mergo treats 0 as unset.
	if c.explicit&fieldConcurrency != 0 {
		c.Concurrency = concurrency
	} else if other.explicit&fieldConcurrency != 0 {
		c.SetConcurrency(other.Concurrency)
	}
	if c.explicit&fieldLocalPort != 0 {
		c.LocalServer.Port = port
	} else if other.explicit&fieldLocalPort != 0 {
		c.SetLocalPort(other.LocalServer.Port)
	}
	return nil
}

func (c *Config) MergeDefaults() error {
	return c.Merge(DefaultConfig())
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.Wrapf(ErrInvalidConfig, "concurrency must be at least 1, was %d", c.Concurrency)
	}
	if len(c.Endpoint) != 0 {
		host, port, err := net.SplitHostPort(c.Endpoint)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "endpoint %q: %v", c.Endpoint, err)
		}
		if len(host) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "endpoint %q has no host", c.Endpoint)
		}
		if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
			return errors.Wrapf(ErrInvalidConfig, "endpoint %q has an invalid port", c.Endpoint)
		}
	}
	if c.LocalServer.Enabled {
		if len(c.LocalServer.Host) == 0 {
			return errors.Wrap(ErrInvalidConfig, "local server host is empty")
		}
		if c.LocalServer.Port < 0 || c.LocalServer.Port > 65535 {
			return errors.Wrapf(ErrInvalidConfig, "local server port %d out of range", c.LocalServer.Port)
		}
	}
	if len(c.StopSignal) != 0 {
		if _, ok := stopSignals[c.StopSignal]; !ok {
			return errors.Wrapf(ErrInvalidConfig, "unsupported stop signal %q", c.StopSignal)
		}
	}
	if c.ShutdownTimeout < 0 {
		return errors.Wrapf(ErrInvalidConfig, "shutdown timeout %v is negative", c.ShutdownTimeout)
	}
	return nil
}

// Signal returns the signal that stops the runtime.
func (c Config) Signal() os.Signal {
	if sig, ok := stopSignals[c.StopSignal]; ok {
		return sig
	}
	return syscall.SIGTERM
}
