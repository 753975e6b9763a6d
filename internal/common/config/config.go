// Package config provides configuration management for the agentmux daemon.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Daemon     DaemonConfig             `mapstructure:"daemon"`
	Server     ServerConfig             `mapstructure:"server"`
	Logging    LoggingConfig            `mapstructure:"logging"`
	Supervisor SupervisorConfig         `mapstructure:"supervisor"`
	Database   DatabaseConfig           `mapstructure:"database"`
	NATS       NATSConfig               `mapstructure:"nats"`
	Runtimes   map[string]RuntimeConfig `mapstructure:"runtimes"`
}

// DaemonConfig holds the daemon-owned file locations and worker behaviour.
type DaemonConfig struct {
	DataDir             string `mapstructure:"dataDir"`
	PIDFile             string `mapstructure:"pidFile"`
	LogFile             string `mapstructure:"logFile"`
	DBFile              string `mapstructure:"dbFile"`
	SocketPath          string `mapstructure:"socketPath"`
	HealthCheckInterval int    `mapstructure:"healthCheckInterval"` // seconds
	ReconcileOnStart    bool   `mapstructure:"reconcileOnStart"`
	DefaultRuntime      string `mapstructure:"defaultRuntime"`
}

// ServerConfig holds the transport endpoints.
type ServerConfig struct {
	HTTPHost         string `mapstructure:"httpHost"`
	HTTPPort         int    `mapstructure:"httpPort"`
	WSPort           int    `mapstructure:"wsPort"` // 0 means share the HTTP server
	EnableUnixSocket bool   `mapstructure:"enableUnixSocket"`
	EnableHTTP       bool   `mapstructure:"enableHttp"`
	EnableWebSocket  bool   `mapstructure:"enableWebSocket"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level         string `mapstructure:"logLevel"`
	Format        string `mapstructure:"format"`
	ToStdout      bool   `mapstructure:"logToStdout"`
	MaxFileSizeMB int    `mapstructure:"maxLogFileSize"` // megabytes
	MaxFiles      int    `mapstructure:"maxLogFiles"`
}

// SupervisorConfig holds the restart circuit breaker parameters.
type SupervisorConfig struct {
	MaxRestarts    int `mapstructure:"maxRestarts"`
	RestartWindow  int `mapstructure:"restartWindow"`  // seconds
	RestartBackoff int `mapstructure:"restartBackoff"` // seconds
}

// DatabaseConfig selects the store backend. Driver "sqlite3" (default) uses
// daemon.dbFile; driver "pgx" uses DSN.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// NATSConfig holds optional NATS event bus configuration. An empty URL means
// the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RuntimeConfig describes one runtime backend table (runtime.<id>).
type RuntimeConfig struct {
	Type string `mapstructure:"type"` // local-tmux, docker, k8s, ssh

	// docker
	DockerHost   string `mapstructure:"dockerHost"`
	DefaultImage string `mapstructure:"defaultImage"`
	Network      string `mapstructure:"network"`

	// k8s
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`

	// ssh
	SSHHost    string `mapstructure:"sshHost"`
	SSHPort    int    `mapstructure:"sshPort"`
	SSHUser    string `mapstructure:"sshUser"`
	SSHKeyPath string `mapstructure:"sshKeyPath"`
}

// HealthCheckIntervalDuration returns the probe interval as a time.Duration.
func (d *DaemonConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(d.HealthCheckInterval) * time.Second
}

// RestartWindowDuration returns the restart window as a time.Duration.
func (s *SupervisorConfig) RestartWindowDuration() time.Duration {
	return time.Duration(s.RestartWindow) * time.Second
}

// RestartBackoffDuration returns the breaker backoff as a time.Duration.
func (s *SupervisorConfig) RestartBackoffDuration() time.Duration {
	return time.Duration(s.RestartBackoff) * time.Second
}

// ToAPI converts a runtime table entry to its wire representation.
func (r RuntimeConfig) ToAPI(id string) v1.RuntimeConfig {
	return v1.RuntimeConfig{
		ID:           id,
		Type:         v1.RuntimeType(r.Type),
		DockerHost:   r.DockerHost,
		DefaultImage: r.DefaultImage,
		Kubeconfig:   r.Kubeconfig,
		Namespace:    r.Namespace,
		SSHHost:      r.SSHHost,
		SSHPort:      r.SSHPort,
		SSHUser:      r.SSHUser,
		SSHKeyPath:   r.SSHKeyPath,
	}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".agentmux")

	v.SetDefault("daemon.dataDir", dataDir)
	v.SetDefault("daemon.pidFile", "")
	v.SetDefault("daemon.logFile", "")
	v.SetDefault("daemon.dbFile", "")
	v.SetDefault("daemon.socketPath", "")
	v.SetDefault("daemon.healthCheckInterval", 30)
	v.SetDefault("daemon.reconcileOnStart", true)
	v.SetDefault("daemon.defaultRuntime", "local")

	v.SetDefault("server.httpHost", "127.0.0.1")
	v.SetDefault("server.httpPort", 7600)
	v.SetDefault("server.wsPort", 0)
	v.SetDefault("server.enableUnixSocket", true)
	v.SetDefault("server.enableHttp", true)
	v.SetDefault("server.enableWebSocket", true)

	v.SetDefault("logging.logLevel", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.logToStdout", false)
	v.SetDefault("logging.maxLogFileSize", 10)
	v.SetDefault("logging.maxLogFiles", 5)

	v.SetDefault("supervisor.maxRestarts", 5)
	v.SetDefault("supervisor.restartWindow", 30)
	v.SetDefault("supervisor.restartBackoff", 60)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmux")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("runtimes", map[string]RuntimeConfig{
		"local": {Type: "local-tmux"},
	})
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMUX_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations (current directory, then /etc/agentmux/).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.applyDerivedPaths()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDerivedPaths fills the file locations that default to dataDir children.
func (c *Config) applyDerivedPaths() {
	if c.Daemon.PIDFile == "" {
		c.Daemon.PIDFile = filepath.Join(c.Daemon.DataDir, "agentmux.pid")
	}
	if c.Daemon.LogFile == "" {
		c.Daemon.LogFile = filepath.Join(c.Daemon.DataDir, "agentmux.log")
	}
	if c.Daemon.DBFile == "" {
		c.Daemon.DBFile = filepath.Join(c.Daemon.DataDir, "agentmux.db")
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(c.Daemon.DataDir, "agentmux.sock")
	}
}

// Validate checks that all required configuration fields are set and
// consistent. It collects every problem instead of stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if !filepath.IsAbs(cfg.Daemon.DataDir) {
		errs = append(errs, "daemon.dataDir must be an absolute path")
	}
	if cfg.Daemon.HealthCheckInterval <= 0 {
		errs = append(errs, "daemon.healthCheckInterval must be positive")
	}

	if !cfg.Server.EnableUnixSocket && !cfg.Server.EnableHTTP && !cfg.Server.EnableWebSocket {
		errs = append(errs, "at least one of server.enableUnixSocket, server.enableHttp, server.enableWebSocket must be true")
	}
	if cfg.Server.EnableHTTP && !validPort(cfg.Server.HTTPPort) {
		errs = append(errs, "server.httpPort must be between 1024 and 65535")
	}
	if cfg.Server.EnableWebSocket && cfg.Server.WSPort != 0 && !validPort(cfg.Server.WSPort) {
		errs = append(errs, "server.wsPort must be between 1024 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Logging.MaxFileSizeMB <= 0 {
		errs = append(errs, "logging.maxLogFileSize must be positive")
	}
	if cfg.Logging.MaxFiles <= 0 {
		errs = append(errs, "logging.maxLogFiles must be positive")
	}

	if cfg.Supervisor.MaxRestarts <= 0 {
		errs = append(errs, "supervisor.maxRestarts must be positive")
	}
	if cfg.Supervisor.RestartWindow <= 0 {
		errs = append(errs, "supervisor.restartWindow must be positive")
	}
	if cfg.Supervisor.RestartBackoff <= 0 {
		errs = append(errs, "supervisor.restartBackoff must be positive")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is pgx")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite3, pgx)", cfg.Database.Driver))
	}

	for id, rt := range cfg.Runtimes {
		switch rt.Type {
		case "local-tmux":
		case "docker":
		case "k8s":
		case "ssh":
			if rt.SSHHost == "" {
				errs = append(errs, fmt.Sprintf("runtimes.%s.sshHost is required for ssh runtimes", id))
			}
		default:
			errs = append(errs, fmt.Sprintf("runtimes.%s.type %q is not one of: local-tmux, docker, k8s, ssh", id, rt.Type))
		}
	}
	if cfg.Daemon.DefaultRuntime != "" {
		if _, ok := cfg.Runtimes[cfg.Daemon.DefaultRuntime]; !ok {
			errs = append(errs, fmt.Sprintf("daemon.defaultRuntime %q is not a configured runtime", cfg.Daemon.DefaultRuntime))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1024 && p <= 65535
}
