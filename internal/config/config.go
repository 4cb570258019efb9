// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package config loads the supervisor configuration with Koanf v2, layered
// as defaults, then an optional YAML file, then environment overrides.
package config

import (
	"path/filepath"

	"github.com/tomtom215/procqueue/internal/queue"
)

// DefaultConfigPaths lists where the config file is searched, in order.
var DefaultConfigPaths = []string{
	"procqueue.yaml",
	"procqueue.yml",
	"/etc/procqueue/config.yaml",
	"/etc/procqueue/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "PROCQUEUE_CONFIG"

// Config is the full supervisor configuration.
type Config struct {
	// RuntimeDir holds the PID file and the logs directory.
	RuntimeDir string `koanf:"runtime_dir" validate:"required"`

	// Queue is the default backend for topics that do not override it.
	Queue queue.Config `koanf:"queue"`

	// Metrics configures the optional Prometheus listener on the master.
	Metrics MetricsConfig `koanf:"metrics"`

	// Logging configures level and pre-daemonize output.
	Logging LoggingConfig `koanf:"logging"`

	// Topics declares the queues the shipped binary supervises. Embedders
	// registering their own handlers may leave this empty.
	Topics []TopicConfig `koanf:"topics" validate:"dive"`
}

// MetricsConfig configures the master's metrics listener.
type MetricsConfig struct {
	// Addr is the listen address (e.g. 127.0.0.1:9157). Empty disables the
	// listener.
	Addr string `koanf:"addr"`
}

// LoggingConfig configures the logging layer.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `koanf:"level"`
}

// TopicConfig declares one supervised topic in the config file.
type TopicConfig struct {
	// Name is the topic; it is also the backend storage key.
	Name string `koanf:"name" validate:"required"`

	// Delay selects scheduled semantics over FIFO.
	Delay bool `koanf:"delay"`

	// StaticWorkers is the baseline worker count.
	StaticWorkers int `koanf:"static_workers"`

	// DynamicWorkers is the autoscaler burst size.
	DynamicWorkers int `koanf:"dynamic_workers"`

	// HealthQueueLength is the backlog above which the autoscaler may fire;
	// 0 disables autoscaling.
	HealthQueueLength int `koanf:"health_queue_length"`

	// MaxExecuteTime is the worker soft TTL in seconds; 0 means none.
	MaxExecuteTime int `koanf:"max_execute_time"`

	// MaxConsumeCount is the worker soft message cap; 0 means uncapped.
	MaxConsumeCount int `koanf:"max_consume_count"`

	// Command, when set, is the shell command the default handler runs for
	// each payload. The payload is exposed as $PAYLOAD and the topic as
	// $TOPIC.
	Command string `koanf:"command"`

	// Queue overrides the default backend for this topic when Addr is set.
	Queue queue.Config `koanf:"queue"`
}

// defaultConfig returns the built-in defaults, overridden by file and env.
func defaultConfig() *Config {
	return &Config{
		RuntimeDir: "/var/lib/procqueue",
		Queue: queue.Config{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// PIDFile returns the master PID file path under the runtime directory.
func (c *Config) PIDFile() string {
	return filepath.Join(c.RuntimeDir, "master.pid")
}

// LogFile returns the active process log path under the runtime directory.
func (c *Config) LogFile() string {
	return filepath.Join(c.RuntimeDir, "logs", "process.log")
}

// TopicQueue resolves the backend config for one topic: its own override
// when present, the shared default otherwise.
func (c *Config) TopicQueue(t TopicConfig) queue.Config {
	if t.Queue.Addr != "" {
		return t.Queue
	}
	return c.Queue
}
