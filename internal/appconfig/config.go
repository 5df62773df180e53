// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const appName = "termssh"

type HostKeyPolicy string

const (
	HostKeyPolicyStrict    HostKeyPolicy = "strict"
	HostKeyPolicyAcceptNew HostKeyPolicy = "accept-new"
	HostKeyPolicyInsecure  HostKeyPolicy = "insecure"
)

type BindPolicy string

const (
	BindPolicyLoopbackOnly BindPolicy = "loopback-only"
	BindPolicyAllowPublic  BindPolicy = "allow-public"
)

// SSHConfig controls the transport connector.
type SSHConfig struct {
	KnownHostsPath        string `yaml:"known_hosts_path" split_words:"true"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds" split_words:"true"`
	KeepaliveSeconds      int    `yaml:"keepalive_seconds" split_words:"true"`
}

// TerminalConfig sets the PTY requested for remote shells.
type TerminalConfig struct {
	Type string `yaml:"type" split_words:"true"`
	Cols int    `yaml:"cols"`
	Rows int    `yaml:"rows"`
}

// TransferConfig tunes SFTP chunking.
type TransferConfig struct {
	ChunkSize        int `yaml:"chunk_size" split_words:"true"`
	ChunkPauseMillis int `yaml:"chunk_pause_millis" split_words:"true"`
}

// ForwardConfig selects the port forward backend.
type ForwardConfig struct {
	Backend   string `yaml:"backend" split_words:"true"`
	SSHBinary string `yaml:"ssh_binary" split_words:"true"`
}

type SecurityConfig struct {
	HostKeyPolicy HostKeyPolicy `yaml:"host_key_policy" split_words:"true"`
	BindPolicy    BindPolicy    `yaml:"bind_policy" split_words:"true"`
	RedactErrors  bool          `yaml:"redact_errors" split_words:"true"`
}

// HelperConfig locates the status agent pushed by deploy-helper.
type HelperConfig struct {
	BinaryPath string `yaml:"binary_path" split_words:"true"`
	RemotePath string `yaml:"remote_path" split_words:"true"`
}

// Config holds application-level configuration.
type Config struct {
	SSH      SSHConfig      `yaml:"ssh"`
	Terminal TerminalConfig `yaml:"terminal"`
	Transfer TransferConfig `yaml:"transfer"`
	Forward  ForwardConfig  `yaml:"forward"`
	Security SecurityConfig `yaml:"security"`
	Helper   HelperConfig   `yaml:"helper"`
	LogLevel string         `yaml:"log_level" split_words:"true"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SSH: SSHConfig{
			KnownHostsPath:        "~/.ssh/known_hosts",
			ConnectTimeoutSeconds: 10,
			KeepaliveSeconds:      30,
		},
		Terminal: TerminalConfig{Type: "xterm-256color", Cols: 80, Rows: 24},
		Transfer: TransferConfig{ChunkSize: 32 * 1024, ChunkPauseMillis: 2},
		Forward:  ForwardConfig{Backend: "process", SSHBinary: "ssh"},
		Security: SecurityConfig{
			HostKeyPolicy: HostKeyPolicyAcceptNew,
			BindPolicy:    BindPolicyLoopbackOnly,
			RedactErrors:  true,
		},
		Helper:   HelperConfig{RemotePath: ".termssh/bin/termssh-agent"},
		LogLevel: "warn",
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/termssh.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// RuntimeFilePath returns the full path to runtime.json.
func RuntimeFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "runtime.json"), nil
}

// EventsFilePath returns the full path to the lifecycle journal.
func EventsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// Load reads config.yaml from the config directory, then applies TERMSSH_*
// environment overrides. If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(appName, &cfg); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	return normalize(cfg), nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func normalize(cfg Config) Config {
	def := Default()
	if strings.TrimSpace(cfg.SSH.KnownHostsPath) == "" {
		cfg.SSH.KnownHostsPath = def.SSH.KnownHostsPath
	}
	if cfg.SSH.ConnectTimeoutSeconds <= 0 {
		cfg.SSH.ConnectTimeoutSeconds = def.SSH.ConnectTimeoutSeconds
	}
	if cfg.SSH.KeepaliveSeconds < 0 {
		cfg.SSH.KeepaliveSeconds = def.SSH.KeepaliveSeconds
	}
	if strings.TrimSpace(cfg.Terminal.Type) == "" {
		cfg.Terminal.Type = def.Terminal.Type
	}
	if cfg.Terminal.Cols <= 0 || cfg.Terminal.Rows <= 0 {
		cfg.Terminal.Cols, cfg.Terminal.Rows = def.Terminal.Cols, def.Terminal.Rows
	}
	if cfg.Transfer.ChunkSize <= 0 {
		cfg.Transfer.ChunkSize = def.Transfer.ChunkSize
	}
	if cfg.Transfer.ChunkPauseMillis < 0 {
		cfg.Transfer.ChunkPauseMillis = 0
	}
	switch cfg.Forward.Backend {
	case "process", "inprocess":
	default:
		cfg.Forward.Backend = def.Forward.Backend
	}
	if strings.TrimSpace(cfg.Forward.SSHBinary) == "" {
		cfg.Forward.SSHBinary = def.Forward.SSHBinary
	}
	switch cfg.Security.HostKeyPolicy {
	case HostKeyPolicyStrict, HostKeyPolicyAcceptNew, HostKeyPolicyInsecure:
	default:
		cfg.Security.HostKeyPolicy = def.Security.HostKeyPolicy
	}
	switch cfg.Security.BindPolicy {
	case BindPolicyLoopbackOnly, BindPolicyAllowPublic:
	default:
		cfg.Security.BindPolicy = def.Security.BindPolicy
	}
	if strings.TrimSpace(cfg.Helper.RemotePath) == "" {
		cfg.Helper.RemotePath = def.Helper.RemotePath
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
		cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	default:
		cfg.LogLevel = def.LogLevel
	}
	return cfg
}

// KnownHostsFile returns the known_hosts path with a leading ~/ expanded.
func (c Config) KnownHostsFile() string {
	return ExpandHome(c.SSH.KnownHostsPath)
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeoutSeconds) * time.Second
}

// KeepaliveInterval is zero when keepalive is disabled.
func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.SSH.KeepaliveSeconds) * time.Second
}

func (c Config) ChunkPause() time.Duration {
	return time.Duration(c.Transfer.ChunkPauseMillis) * time.Millisecond
}

// ExpandHome replaces a leading "~/" with the current user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
