// ABOUTME: Configuration loading and parsing for coven-acp
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultSpawnGrace is how long a freshly spawned agent must survive.
const DefaultSpawnGrace = 500 * time.Millisecond

// Config represents the complete coven-acp configuration
type Config struct {
	Agents      []AgentConfig     `yaml:"agents" toml:"agents"`
	Process     ProcessConfig     `yaml:"process" toml:"process"`
	Permissions PermissionsConfig `yaml:"permissions" toml:"permissions"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Health      HealthConfig      `yaml:"health" toml:"health"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// AgentConfig describes one agent subprocess
type AgentConfig struct {
	ID      string            `yaml:"id" toml:"id"`
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Cwd     string            `yaml:"cwd" toml:"cwd"`
	Env     map[string]string `yaml:"env" toml:"env"`

	// SessionCwd, when set, opens a session in this directory once the
	// agent is initialized.
	SessionCwd string `yaml:"session_cwd" toml:"session_cwd"`
}

// ProcessConfig holds subprocess timing configuration
type ProcessConfig struct {
	SpawnGrace time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	SpawnGraceRaw string `yaml:"spawn_grace" toml:"spawn_grace"`
}

// PermissionsConfig holds permission policy defaults
type PermissionsConfig struct {
	// DefaultMode applies when the store holds no approval mode.
	DefaultMode string `yaml:"default_mode" toml:"default_mode"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// HealthConfig holds the gRPC health endpoint configuration
type HealthConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Agent returns the agent with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Process.SpawnGrace == 0 {
		cfg.Process.SpawnGrace = DefaultSpawnGrace
	}
	if cfg.Permissions.DefaultMode == "" {
		cfg.Permissions.DefaultMode = "auto"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		if a.Command == "" {
			return fmt.Errorf("agents[%d].command is required", i)
		}
	}

	switch c.Permissions.DefaultMode {
	case "", "auto", "default", "manual":
	default:
		return fmt.Errorf("permissions.default_mode %q must be auto, default or manual", c.Permissions.DefaultMode)
	}

	if c.Process.SpawnGrace < 0 {
		return fmt.Errorf("process.spawn_grace must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Process.SpawnGraceRaw != "" {
		d, err := time.ParseDuration(cfg.Process.SpawnGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing spawn_grace %q: %w", cfg.Process.SpawnGraceRaw, err)
		}
		cfg.Process.SpawnGrace = d
	}
	return nil
}

// DefaultPath resolves the config file location: COVEN_ACP_CONFIG, then
// $XDG_CONFIG_HOME/coven/acp.yaml, then ~/.config/coven/acp.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv("COVEN_ACP_CONFIG"); p != "" {
		return p, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "acp.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "coven", "acp.yaml"), nil
}

// Starter is the config written by `coven-acp init`.
const Starter = `# coven-acp configuration

agents:
  - id: claude
    command: claude-code-acp
    args: []
    # cwd: /path/to/project
    # session_cwd: /path/to/project
    env:
      ANTHROPIC_API_KEY: "${ANTHROPIC_API_KEY}"

process:
  spawn_grace: "500ms"

permissions:
  # auto, default or manual; used until "coven-acp policy mode" stores one
  default_mode: auto

database:
  path: "${HOME}/.local/share/coven/acp.db"

health:
  # gRPC health endpoint; leave empty to disable
  addr: ""

logging:
  level: info
  format: text
`
