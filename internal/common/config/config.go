// Package config provides configuration management for the WorkIO pipeline.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the pipeline binaries.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Ollama   OllamaConfig   `mapstructure:"ollama"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// MonitorConfig holds the intake daemon and reconciler configuration.
type MonitorConfig struct {
	// DataDir is the working directory holding the daemon socket and the
	// debounce/ and locks/ state directories.
	DataDir string `mapstructure:"dataDir"`

	// SocketPath overrides the daemon socket location. Empty means
	// <dataDir>/daemon.sock.
	SocketPath string `mapstructure:"socketPath"`

	// ClaudeDir overrides the assistant CLI home used for session index
	// lookups. Empty means ~/.claude.
	ClaudeDir string `mapstructure:"claudeDir"`

	// DebounceSeconds is the reconciler debounce window. Fractional values
	// are honored.
	DebounceSeconds float64 `mapstructure:"debounceSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OllamaConfig holds the summarizer sidecar configuration.
type OllamaConfig struct {
	Host  string `mapstructure:"host"`
	Model string `mapstructure:"model"`
}

// Debounce returns the debounce window as a time.Duration.
func (m *MonitorConfig) Debounce() time.Duration {
	return time.Duration(m.DebounceSeconds * float64(time.Second))
}

// ResolvedSocketPath returns the daemon socket path, deriving it from
// DataDir when no override is set.
func (m *MonitorConfig) ResolvedSocketPath() string {
	if m.SocketPath != "" {
		return m.SocketPath
	}
	return filepath.Join(m.DataDir, "daemon.sock")
}

// DebounceDir returns the directory holding reconciler marker and lock files.
func (m *MonitorConfig) DebounceDir() string {
	return filepath.Join(m.DataDir, "debounce")
}

// LegacyLockDir returns the lock directory used by earlier releases. The
// sweeper still purges stale files from it.
func (m *MonitorConfig) LegacyLockDir() string {
	return filepath.Join(m.DataDir, "locks")
}

// ResolvedClaudeDir returns the assistant CLI home directory.
func (m *MonitorConfig) ResolvedClaudeDir() string {
	if m.ClaudeDir != "" {
		return m.ClaudeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for production environments, "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("WORKIO_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.url", "postgresql://localhost/workio")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Monitor defaults
	v.SetDefault("monitor.dataDir", ".")
	v.SetDefault("monitor.socketPath", "")
	v.SetDefault("monitor.claudeDir", "")
	v.SetDefault("monitor.debounceSeconds", 2.0)

	// Logging defaults. The thin client owns stdout for its protocol reply,
	// so diagnostics default to stderr across all binaries.
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Summarizer defaults
	v.SetDefault("ollama.host", "http://localhost:11434")
	v.SetDefault("ollama.model", "qwen2:1.5b")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WORKIO_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/workio/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WORKIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the unprefixed env vars the hook scripts have
	// always used, plus snake_case forms of camelCase config keys.
	_ = v.BindEnv("database.url", "DATABASE_URL", "WORKIO_DATABASE_URL")
	_ = v.BindEnv("monitor.debounceSeconds", "DEBOUNCE_SECONDS", "WORKIO_MONITOR_DEBOUNCE_SECONDS")
	_ = v.BindEnv("monitor.dataDir", "WORKIO_DATA_DIR")
	_ = v.BindEnv("monitor.socketPath", "WORKIO_SOCKET_PATH")
	_ = v.BindEnv("monitor.claudeDir", "WORKIO_CLAUDE_DIR")
	_ = v.BindEnv("ollama.host", "OLLAMA_HOST", "WORKIO_OLLAMA_HOST")
	_ = v.BindEnv("ollama.model", "OLLAMA_MODEL", "WORKIO_OLLAMA_MODEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/workio/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}
	if cfg.Database.MaxConns <= 0 {
		errs = append(errs, "database.maxConns must be positive")
	}

	if cfg.Monitor.DebounceSeconds < 0 {
		errs = append(errs, "monitor.debounceSeconds must not be negative")
	}
	if cfg.Monitor.DataDir == "" {
		errs = append(errs, "monitor.dataDir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Ollama.Host == "" {
		errs = append(errs, "ollama.host is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
