// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves the daemon's runtime settings from an optional
// photond.yaml plus PHOTON_* environment variables. Environment wins over
// the file, the file wins over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the daemon reads at startup.
type Config struct {
	// SocketPath is the Unix domain socket the daemon listens on.
	SocketPath string `yaml:"socketPath"`
	// StateDir is where per-instance state snapshots are written.
	StateDir string `yaml:"stateDir"`
	// PhotonDir is the default directory scanned for photon names given
	// without a path.
	PhotonDir string `yaml:"photonDir"`
	// IdleTimeout shuts the daemon down after this long with no commands
	// and no live subscriptions. Zero disables idle shutdown.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig controls the optional HTTP gateway.
type WebhookConfig struct {
	// Port enables the gateway when non-zero.
	Port int `yaml:"port"`
	// Secret is compared against the X-Webhook-Secret header.
	Secret string `yaml:"secret"`
	// AllowUnauthenticated opens the gateway without a secret. Off by
	// default; with no secret and no opt-in every webhook is refused.
	AllowUnauthenticated bool `yaml:"allowUnauthenticated"`
	// RatePerSecond caps webhook deliveries per client IP.
	RatePerSecond float64 `yaml:"ratePerSecond"`
	// Burst is the per-IP limiter burst size.
	Burst int `yaml:"burst"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		SocketPath:  filepath.Join(runtimeDir, "photond.sock"),
		StateDir:    filepath.Join(home, ".photond", "state"),
		PhotonDir:   filepath.Join(home, ".photond", "photons"),
		IdleTimeout: 30 * time.Minute,
		Webhook: WebhookConfig{
			RatePerSecond: 5,
			Burst:         10,
		},
	}
}

// Load resolves the full configuration. path may be empty, in which case
// photond.yaml next to the working directory is tried and silently skipped
// when absent. An explicitly named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = "photond.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine.
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PHOTON_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("PHOTON_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("PHOTON_DIR"); v != "" {
		c.PhotonDir = v
	}
	if v := os.Getenv("PHOTON_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing PHOTON_IDLE_TIMEOUT: %w", err)
		}
		c.IdleTimeout = d
	}
	if v := os.Getenv("PHOTON_WEBHOOK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing PHOTON_WEBHOOK_PORT: %w", err)
		}
		c.Webhook.Port = port
	}
	if v := os.Getenv("PHOTON_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("PHOTON_WEBHOOK_ALLOW_UNAUTHENTICATED"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing PHOTON_WEBHOOK_ALLOW_UNAUTHENTICATED: %w", err)
		}
		c.Webhook.AllowUnauthenticated = allow
	}
	return nil
}
