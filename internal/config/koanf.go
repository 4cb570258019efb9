// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. PROCQUEUE_* environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("PROCQUEUE_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints. Per-topic numeric ranges are not
// enforced here; descriptor registration clamps them instead.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	if c.Queue.Addr == "" {
		return errors.New("configuration invalid: queue.addr is required")
	}
	return nil
}

// findConfigFile returns the first config file that exists, preferring the
// explicit environment override.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps PROCQUEUE_* variable names to koanf paths. Only
// scalar settings are reachable from the environment; topics come from the
// file or from an embedding program.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "PROCQUEUE_"))

	mappings := map[string]string{
		"runtime_dir":    "runtime_dir",
		"queue_addr":     "queue.addr",
		"queue_db":       "queue.db",
		"queue_password": "queue.password",
		"metrics_addr":   "metrics.addr",
		"log_level":      "logging.level",
	}
	if path, ok := mappings[key]; ok {
		return path
	}
	// Unknown variables are dropped rather than guessed at.
	return ""
}
