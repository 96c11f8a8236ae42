// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for recoveryd.
//
// Configuration is loaded from a single YAML file specified by:
//   - RECOVERYD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// individual values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Property store backends.
const (
	BackendMemory = "memory"
	BackendDir    = "dir"
)

// Config is the master configuration for recoveryd.
type Config struct {
	// Socket configures the command socket the daemon serves.
	Socket SocketConfig `yaml:"socket"`

	// Staging configures the uncrypt helper transport and the
	// bootloader control block command file.
	Staging StagingConfig `yaml:"staging"`

	// Boot configures A/B slot verification.
	Boot BootConfig `yaml:"boot"`

	// Escrow configures the resume-on-reboot collaborators.
	Escrow EscrowConfig `yaml:"escrow"`

	// History configures the operation history store.
	History HistoryConfig `yaml:"history"`
}

// SocketConfig configures the daemon's command socket.
type SocketConfig struct {
	// Path is the unix socket path the daemon listens on.
	// Default: /run/recoveryd/recoveryd.sock
	Path string `yaml:"path"`

	// PrivilegedUIDs lists non-root UIDs allowed to send commands.
	// Root is always allowed.
	PrivilegedUIDs []uint32 `yaml:"privileged_uids"`
}

// StagingConfig configures BCB staging and the uncrypt helper.
type StagingConfig struct {
	// CommandFile is the recovery command file the helper reads.
	// Default: /var/lib/recoveryd/command
	CommandFile string `yaml:"command_file"`

	// HelperSocket is the unix socket the privileged helper serves
	// once triggered. Default: /run/recoveryd/uncrypt.sock
	HelperSocket string `yaml:"helper_socket"`

	// PropertyBackend selects how init service-state properties are
	// read and control properties are written: "memory" (in-process,
	// for tests and single-binary deployments) or "dir" (file per
	// property under PropertyDir). Default: dir.
	PropertyBackend string `yaml:"property_backend"`

	// PropertyDir is the directory backing the "dir" property store.
	// Default: /run/recoveryd/properties
	PropertyDir string `yaml:"property_dir"`
}

// BootConfig configures boot-slot verification.
type BootConfig struct {
	// ABDevice declares whether the device uses A/B slots. When
	// false, slot verification is skipped entirely.
	ABDevice bool `yaml:"ab_device"`

	// BootctlBinary is the boot-control query binary. An absent
	// binary is treated as an older platform without slot queries.
	// Default: /usr/bin/bootctl
	BootctlBinary string `yaml:"bootctl_binary"`
}

// EscrowConfig configures the resume-on-reboot collaborators.
type EscrowConfig struct {
	// LockSettingsSocket is the unix socket of the lock-settings
	// service holding the escrow key material.
	// Default: /run/lockstate/lockstate.sock
	LockSettingsSocket string `yaml:"lock_settings_socket"`

	// RebootCommand is the command run to reboot the device. The
	// reboot reason is appended as the final argument.
	// Default: [/sbin/reboot]
	RebootCommand []string `yaml:"reboot_command"`
}

// HistoryConfig configures the operation history store.
type HistoryConfig struct {
	// DatabasePath is the SQLite database file. Empty disables
	// history recording.
	// Default: /var/lib/recoveryd/history.db
	DatabasePath string `yaml:"database_path"`
}

// Default returns the default configuration. Defaults give every
// field a usable value for a standard deployment; the config file
// overrides them.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{
			Path: "/run/recoveryd/recoveryd.sock",
		},
		Staging: StagingConfig{
			CommandFile:     "/var/lib/recoveryd/command",
			HelperSocket:    "/run/recoveryd/uncrypt.sock",
			PropertyBackend: BackendDir,
			PropertyDir:     "/run/recoveryd/properties",
		},
		Boot: BootConfig{
			ABDevice:      true,
			BootctlBinary: "/usr/bin/bootctl",
		},
		Escrow: EscrowConfig{
			LockSettingsSocket: "/run/lockstate/lockstate.sock",
			RebootCommand:      []string{"/sbin/reboot"},
		},
		History: HistoryConfig{
			DatabasePath: "/var/lib/recoveryd/history.db",
		},
	}
}

// Load loads configuration from the RECOVERYD_CONFIG environment
// variable. Fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv("RECOVERYD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("RECOVERYD_CONFIG environment variable not set; " +
			"set it to the path of your recoveryd.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path is required")
	}
	if c.Staging.CommandFile == "" {
		return fmt.Errorf("staging.command_file is required")
	}
	if c.Staging.HelperSocket == "" {
		return fmt.Errorf("staging.helper_socket is required")
	}
	switch c.Staging.PropertyBackend {
	case BackendMemory:
	case BackendDir:
		if c.Staging.PropertyDir == "" {
			return fmt.Errorf("staging.property_dir is required with the dir backend")
		}
	default:
		return fmt.Errorf("staging.property_backend %q: want %q or %q",
			c.Staging.PropertyBackend, BackendMemory, BackendDir)
	}
	if len(c.Escrow.RebootCommand) == 0 {
		return fmt.Errorf("escrow.reboot_command is required")
	}
	return nil
}
