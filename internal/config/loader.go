// Package config provides configuration loading for epistemd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/epistemd/internal/logging"
	"github.com/fyrsmithlabs/epistemd/pkg/evidence"
	"github.com/fyrsmithlabs/epistemd/pkg/gate"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, STORAGE_SQLITE_PATH, etc.)
//  2. YAML config file (~/.config/epistemd/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, uses
// the default path ~/.config/epistemd/config.yaml.
//
// Config files must live under ~/.config/epistemd/ or /etc/epistemd/, carry
// 0600 or 0400 permissions, and stay under 1MB. The file is opened once and
// validated through its descriptor to avoid a TOCTOU race.
//
// Environment variables use underscore separators and map onto YAML fields
// by splitting on the first underscore:
//
//	SERVER_PORT -> server.port
//	STORAGE_SQLITE_PATH -> storage.sqlite_path
//	GATE_MODE -> gate.mode
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Use default config path if not specified
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "epistemd", "config.yaml")
	}

	// Validate config path (even if file doesn't exist)
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	// Load from YAML file if it exists
	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Use rawbytes provider to avoid re-opening the file
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables
	if err := k.Load(env.Provider("", ".", func(s string) string {
		// Split on the first underscore only: section.field_name.
		//
		//	SERVER_SHUTDOWN_TIMEOUT -> server.shutdown_timeout
		//	STORAGE_READ_PREFERENCE -> storage.read_preference
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the epistemd config directory if it doesn't exist.
// The directory is created with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "epistemd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so one cannot escape the allowed directories. If
	// evaluation fails the file may simply not exist yet; validate the
	// absolute path instead.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "epistemd"),
		"/etc/epistemd",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/epistemd/ or /etc/epistemd/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Permission check is skipped on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Storage defaults
	if cfg.Storage.SQLitePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.SQLitePath = filepath.Join(home, ".config", "epistemd", "epistemd.db")
		}
	}
	if cfg.Storage.FileRoot == "" {
		cfg.Storage.FileRoot = ".epistemic"
	}
	if cfg.Storage.ReadPreference == "" {
		cfg.Storage.ReadPreference = "fast"
	}

	// Gate defaults
	if cfg.Gate.Mode == "" {
		cfg.Gate.Mode = string(gate.Observer)
	}
	if cfg.Gate.Thresholds == (gate.Thresholds{}) {
		cfg.Gate.Thresholds = gate.DefaultThresholds()
	}

	// Evidence defaults
	if cfg.Evidence.SourceTimeout == 0 {
		cfg.Evidence.SourceTimeout = evidence.DefaultSourceTimeout
	}
	if cfg.Evidence.WorkDir == "" {
		cfg.Evidence.WorkDir = "."
	}

	// Logging defaults
	if cfg.Logging.Level == "" || cfg.Logging.Format == "" {
		defaults := logging.NewDefaultConfig()
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = defaults.Level
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = defaults.Format
		}
		if cfg.Logging.Fields == nil {
			cfg.Logging.Fields = defaults.Fields
		}
		if cfg.Logging.Sampling == (logging.SamplingConfig{}) {
			cfg.Logging.Sampling = defaults.Sampling
		}
		if cfg.Logging.Caller == (logging.CallerConfig{}) {
			cfg.Logging.Caller = defaults.Caller
		}
	}
}
