package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.HTTPHost)
	assert.Equal(t, 7600, cfg.Server.HTTPPort)
	assert.True(t, cfg.Server.EnableUnixSocket)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Daemon.DefaultRuntime)
	assert.Contains(t, cfg.Runtimes, "local")
	assert.Equal(t, "local-tmux", cfg.Runtimes["local"].Type)

	// File locations derive from dataDir when unset.
	assert.Equal(t, filepath.Join(cfg.Daemon.DataDir, "agentmux.pid"), cfg.Daemon.PIDFile)
	assert.Equal(t, filepath.Join(cfg.Daemon.DataDir, "agentmux.sock"), cfg.Daemon.SocketPath)
	assert.Equal(t, filepath.Join(cfg.Daemon.DataDir, "agentmux.db"), cfg.Daemon.DBFile)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	doc := `
daemon:
  dataDir: /var/lib/agentmux
server:
  httpPort: 9100
logging:
  logLevel: debug
runtimes:
  local:
    type: local-tmux
  build-box:
    type: ssh
    sshHost: build.internal
    sshUser: ci
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/agentmux", cfg.Daemon.DataDir)
	assert.Equal(t, 9100, cfg.Server.HTTPPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Contains(t, cfg.Runtimes, "build-box")
	assert.Equal(t, "build.internal", cfg.Runtimes["build-box"].SSHHost)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AGENTMUX_SERVER_HTTPPORT", "9200")
	t.Setenv("AGENTMUX_LOGGING_LOGLEVEL", "warn")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.HTTPPort)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	cfg.Daemon.DataDir = "relative/path"
	cfg.Server.HTTPPort = 80
	cfg.Logging.Level = "loud"
	cfg.Database.Driver = "oracle"

	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon.dataDir")
	assert.Contains(t, err.Error(), "server.httpPort")
	assert.Contains(t, err.Error(), "logging.logLevel")
	assert.Contains(t, err.Error(), "database.driver")
}

func TestValidateSSHRuntimeNeedsHost(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Runtimes["remote"] = RuntimeConfig{Type: "ssh"}

	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtimes.remote.sshHost")
}

func TestValidateDefaultRuntimeMustExist(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Daemon.DefaultRuntime = "missing"

	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `daemon.defaultRuntime "missing"`)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		Daemon:     DaemonConfig{HealthCheckInterval: 45},
		Supervisor: SupervisorConfig{RestartWindow: 30, RestartBackoff: 60},
	}
	assert.Equal(t, 45*time.Second, cfg.Daemon.HealthCheckIntervalDuration())
	assert.Equal(t, 30*time.Second, cfg.Supervisor.RestartWindowDuration())
	assert.Equal(t, time.Minute, cfg.Supervisor.RestartBackoffDuration())
}
