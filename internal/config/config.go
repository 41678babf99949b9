// Package config loads the daemon configuration and derives the per-user
// filesystem paths (data root, socket endpoint, pidfile, log file).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-valued fields.
const (
	DefaultHistoryBytes  = 64 * 1024
	DefaultQueueFrames   = 1024
	DefaultMaxFrameBytes = 16 << 20
	DefaultSlowGraceMs   = 2000
	DefaultSpawnWaitMs   = 5000
)

// Config is the daemon configuration, read from <root>/config.yaml.
// Every field is optional; missing or zero fields take the defaults above.
type Config struct {
	HistoryBytes  int    `yaml:"history_bytes"`
	QueueFrames   int    `yaml:"queue_frames"`
	MaxFrameBytes int    `yaml:"max_frame_bytes"`
	SlowGraceMs   int    `yaml:"slow_consumer_grace_ms"`
	SpawnWaitMs   int    `yaml:"spawn_wait_ms"`
	DefaultShell  string `yaml:"default_shell"`
}

// Load reads <root>/config.yaml if it exists and fills in defaults.
func Load(root string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(filepath.Join(root, "config.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	case os.IsNotExist(err):
		// No file; all defaults.
	default:
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults replaces zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.HistoryBytes <= 0 {
		c.HistoryBytes = DefaultHistoryBytes
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = DefaultQueueFrames
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.SlowGraceMs <= 0 {
		c.SlowGraceMs = DefaultSlowGraceMs
	}
	if c.SpawnWaitMs <= 0 {
		c.SpawnWaitMs = DefaultSpawnWaitMs
	}
	if c.DefaultShell == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			c.DefaultShell = sh
		} else {
			c.DefaultShell = "/bin/sh"
		}
	}
}

// SlowGrace returns the slow-consumer grace window.
func (c *Config) SlowGrace() time.Duration {
	return time.Duration(c.SlowGraceMs) * time.Millisecond
}

// SpawnWait returns how long a client waits for a spawned daemon's endpoint.
func (c *Config) SpawnWait() time.Duration {
	return time.Duration(c.SpawnWaitMs) * time.Millisecond
}
