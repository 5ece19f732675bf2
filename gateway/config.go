// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the egress gateway.
type Config struct {
	// ListenAddress is the TCP address of the sandbox-facing listener.
	// It must only be reachable from the sandbox's network namespace.
	// Defaults to 127.0.0.1:3128.
	ListenAddress string `yaml:"listen_address"`

	// StateDir holds the authority material: the world-readable
	// certificate for trust-store installation and the encrypted
	// private key. Defaults to /var/lib/bureau/egress.
	StateDir string `yaml:"state_dir"`

	// PolicyPath is the JSONC policy table. Required; the gateway
	// refuses to start without a reviewed policy.
	PolicyPath string `yaml:"policy_path"`

	// CredentialDir is where the external refresher deposits
	// <name>.json token files. Required when any policy rule injects.
	CredentialDir string `yaml:"credential_dir"`

	// ConnectionDeadline bounds the total lifetime of one tunnel.
	// Defaults to 5m.
	ConnectionDeadline time.Duration `yaml:"connection_deadline"`

	// IdleTimeout bounds each individual read or write on either leg.
	// Defaults to 1m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownGrace is how long in-flight tunnels get to finish after
	// the listener stops accepting, before they are force-closed.
	// Defaults to 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// AuthorityValidity overrides the authority certificate lifetime.
	AuthorityValidity time.Duration `yaml:"authority_validity"`

	// RotationMargin overrides the remaining lifetime that triggers
	// proactive authority rotation.
	RotationMargin time.Duration `yaml:"rotation_margin"`

	// LeafTTL overrides the per-hostname leaf certificate lifetime.
	LeafTTL time.Duration `yaml:"leaf_ttl"`
}

// DefaultConfig returns a configuration with defaults applied. The
// policy path and credential directory still have to be set.
func DefaultConfig() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1:3128"
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/bureau/egress"
	}
	if c.ConnectionDeadline <= 0 {
		c.ConnectionDeadline = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}
	if c.IdleTimeout > c.ConnectionDeadline {
		return fmt.Errorf("idle_timeout %v exceeds connection_deadline %v", c.IdleTimeout, c.ConnectionDeadline)
	}
	if c.RotationMargin > 0 && c.AuthorityValidity > 0 && c.RotationMargin >= c.AuthorityValidity {
		return fmt.Errorf("rotation_margin %v must be shorter than authority_validity %v", c.RotationMargin, c.AuthorityValidity)
	}
	return nil
}
