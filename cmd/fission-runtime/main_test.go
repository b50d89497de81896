package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fission/fission-runtime-client/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func resolveConfig(t *testing.T, args ...string) (runtime.Config, error) {
	var cfg runtime.Config
	var cfgErr error
	app := createCli()
	app.Action = func(c *cli.Context) error {
		cfg, cfgErr = loadConfig(c)
		return nil
	}
	require.NoError(t, app.Run(append([]string{serviceName}, args...)))
	return cfg, cfgErr
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
endpoint: file:9001
concurrency: 2
shutdownTimeout: 4s
localServer:
  host: 0.0.0.0
`), 0644))
	t.Setenv(runtime.EnvEndpoint, "env:9001")
	t.Setenv(runtime.EnvMaxConcurrency, "5")

	cfg, err := resolveConfig(t, "--config", path, "--concurrency", "3")
	require.NoError(t, err)
	assert.Equal(t, "env:9001", cfg.Endpoint)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 4*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "0.0.0.0", cfg.LocalServer.Host)
	assert.Equal(t, runtime.DefaultLocalPort, cfg.LocalServer.Port)
	assert.Equal(t, runtime.DefaultStopSignal, cfg.StopSignal)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := resolveConfig(t, "--concurrency", "-2")
	assert.Error(t, err)

	t.Setenv(runtime.EnvMaxConcurrency, "0")
	_, err = resolveConfig(t)
	assert.Error(t, err)
}

func TestLoadConfig_ExplicitZeroPort(t *testing.T) {
	t.Setenv(runtime.EnvLocalPort, "7300")

	cfg, err := resolveConfig(t, "--local", "--local-port", "0")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.LocalServer.Port)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, ioutil.WriteFile(path, []byte(runtime.EnvMaxConcurrency+"=7\n"), 0644))
	// Loaded variables end up in the process environment, which is restored after the test.
	t.Setenv(runtime.EnvMaxConcurrency, "")
	os.Unsetenv(runtime.EnvMaxConcurrency)

	app := createCli()
	app.Before = loadEnvFiles
	var cfg runtime.Config
	app.Action = func(c *cli.Context) error {
		var err error
		cfg, err = loadConfig(c)
		return err
	}
	require.NoError(t, app.Run([]string{serviceName, "--env-file", path, "--local"}))
	assert.Equal(t, 7, cfg.Concurrency)
	assert.True(t, cfg.LocalServer.Enabled)
}
