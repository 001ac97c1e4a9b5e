package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/epistemd/internal/logging"
	"github.com/fyrsmithlabs/epistemd/pkg/gate"
)

// Config is the root configuration for epistemd.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Gate     GateConfig     `koanf:"gate"`
	Evidence EvidenceConfig `koanf:"evidence"`
	Logging  logging.Config `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds the dual-store backends.
type StorageConfig struct {
	// SQLitePath is the fast indexed backend database file.
	SQLitePath string `koanf:"sqlite_path"`

	// FileRoot is the portable backend directory. It is meant to live
	// inside the work tree so records travel with it.
	FileRoot string `koanf:"file_root"`

	// ReadPreference selects which backend reads consult first:
	// "fast" or "portable".
	ReadPreference string `koanf:"read_preference"`
}

// GateConfig holds gate thresholds and enforcement mode.
type GateConfig struct {
	// Mode is "observer" (record only) or "controller" (block on
	// investigate).
	Mode string `koanf:"mode"`

	Thresholds gate.Thresholds `koanf:"thresholds"`
}

// EvidenceConfig holds evidence source settings.
type EvidenceConfig struct {
	// TestCommand is the command run to gather test evidence. Empty
	// disables the tests source.
	TestCommand []string `koanf:"test_command"`

	// WorkDir is the directory the test command runs in.
	WorkDir string `koanf:"work_dir"`

	// RepoPath enables the VCS diff source and worktree hashing when it
	// points at a repository.
	RepoPath string `koanf:"repo_path"`

	// SourceTimeout bounds each evidence source per collection pass.
	SourceTimeout time.Duration `koanf:"source_timeout"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be > 0")
	}
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage sqlite_path is required")
	}
	if c.Storage.FileRoot == "" {
		return fmt.Errorf("storage file_root is required")
	}
	if c.Storage.ReadPreference != "fast" && c.Storage.ReadPreference != "portable" {
		return fmt.Errorf("storage read_preference must be 'fast' or 'portable', got %q", c.Storage.ReadPreference)
	}
	if c.Gate.Mode != string(gate.Observer) && c.Gate.Mode != string(gate.Controller) {
		return fmt.Errorf("gate mode must be 'observer' or 'controller', got %q", c.Gate.Mode)
	}
	if err := c.Gate.Thresholds.Validate(); err != nil {
		return fmt.Errorf("gate thresholds: %w", err)
	}
	if c.Evidence.SourceTimeout <= 0 {
		return fmt.Errorf("evidence source_timeout must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
