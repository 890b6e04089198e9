// ABOUTME: Package config handles configuration loading for coven-acp.
// ABOUTME: YAML or TOML files with env var expansion, defaults, and validation.

// Package config handles configuration loading for coven-acp.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_ACP_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/acp.yaml
//  3. ~/.config/coven/acp.yaml
//
// Files ending in .toml are parsed as TOML; everything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agents:
//	  - id: claude
//	    command: claude-code-acp
//	    env:
//	      ANTHROPIC_API_KEY: "${ANTHROPIC_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	process:
//	  spawn_grace: "500ms"
//
// # Defaults
//
// process.spawn_grace defaults to 500ms and permissions.default_mode to
// auto. database.path is required. Every agent needs a unique id and a
// command.
package config
