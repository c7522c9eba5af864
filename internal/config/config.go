// internal/config/config.go
//
// This package handles configuration and the .loom directory structure.
// Every vault that loom watches gets a .loom/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// LoomDirName is the name of the directory we create in each vault.
	LoomDirName = ".loom"

	// ConfigFileName is the vault-level configuration file inside .loom.
	ConfigFileName = "config.yaml"
)

const defaultConfigYAML = `# loom vault configuration
version: 1

# Paths (glob patterns, relative to the vault root) the change detector ignores.
exclude:
  - ".loom/**"
  - ".git/**"
  - "**/.DS_Store"

# How long writes to a path must stay quiet before a mutation is considered settled.
debounce: 300ms

# Concurrent workflow executions.
workers: 4

# How long soft-deleted graph nodes linger before the hard-delete wake fires.
soft_delete_ttl: 720h

# Per-step retry budget before an execution is marked failed.
max_step_attempts: 3

# Optional features. Both default off because they call external services.
summarize: false
embed: false
`

// Duration wraps time.Duration so YAML values like "300ms" parse cleanly.
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the canonical duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the runtime configuration for a loom vault.
type Config struct {
	// VaultDir is the document tree being watched.
	VaultDir string `yaml:"-"`

	Version         int      `yaml:"version"`
	Exclude         []string `yaml:"exclude"`
	Debounce        Duration `yaml:"debounce"`
	Workers         int      `yaml:"workers"`
	SoftDeleteTTL   Duration `yaml:"soft_delete_ttl"`
	MaxStepAttempts int      `yaml:"max_step_attempts"`
	Summarize       bool     `yaml:"summarize"`
	Embed           bool     `yaml:"embed"`
}

// Default returns the built-in configuration for a vault directory.
func Default(vaultDir string) Config {
	return Config{
		VaultDir:        vaultDir,
		Version:         1,
		Exclude:         []string{".loom/**", ".git/**", "**/.DS_Store"},
		Debounce:        Duration(300 * time.Millisecond),
		Workers:         4,
		SoftDeleteTTL:   Duration(720 * time.Hour),
		MaxStepAttempts: 3,
	}
}

// LoomDir returns the per-vault state directory.
func (c Config) LoomDir() string {
	return filepath.Join(c.VaultDir, LoomDirName)
}

// DatabasePath returns the SQLite file holding executions and the shadow index.
func (c Config) DatabasePath() string {
	return filepath.Join(c.LoomDir(), "state", "loom.db")
}

// Validate checks for values the rest of the system cannot work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.VaultDir) == "" {
		return errors.New("config: vault directory is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("config: debounce must be positive, got %s", c.Debounce.Std())
	}
	if c.MaxStepAttempts <= 0 {
		return fmt.Errorf("config: max_step_attempts must be positive, got %d", c.MaxStepAttempts)
	}
	if c.SoftDeleteTTL <= 0 {
		return fmt.Errorf("config: soft_delete_ttl must be positive, got %s", c.SoftDeleteTTL.Std())
	}
	return nil
}

// Init creates the .loom directory structure in the given vault directory and
// seeds config.yaml when missing.
//
// Structure created:
// .loom/
// ├── logs/    <- append-only activity log
// ├── state/   <- SQLite database (executions, shadow index)
// └── config.yaml
func Init(vaultDir string) error {
	loomDir := filepath.Join(vaultDir, LoomDirName)
	dirs := []string{
		filepath.Join(loomDir, "logs"),
		filepath.Join(loomDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	configPath := filepath.Join(loomDir, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", configPath, err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: seed %s: %w", configPath, err)
	}
	return nil
}

// Load reads .loom/config.yaml, falling back to defaults for absent fields.
func Load(vaultDir string) (Config, error) {
	cfg := Default(vaultDir)
	path := filepath.Join(vaultDir, LoomDirName, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.VaultDir = vaultDir
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = Duration(300 * time.Millisecond)
	}
	if cfg.SoftDeleteTTL == 0 {
		cfg.SoftDeleteTTL = Duration(720 * time.Hour)
	}
	if cfg.MaxStepAttempts == 0 {
		cfg.MaxStepAttempts = 3
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
