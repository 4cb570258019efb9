// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Command procqueue supervises the topics declared in its configuration
// file. Each topic's handler runs the configured shell command with the
// payload in $PAYLOAD; topics without a command log payloads as they drain,
// which is useful when smoke-testing a queue.
//
// Programs that want Go handlers embed pkg/procqueue instead of running
// this binary.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/tomtom215/procqueue/internal/config"
	"github.com/tomtom215/procqueue/internal/logging"
	"github.com/tomtom215/procqueue/pkg/procqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level})

	app := procqueue.New(cfg)
	for _, tc := range cfg.Topics {
		app.Register(procqueue.Job{
			Topic:             tc.Name,
			Delay:             tc.Delay,
			StaticWorkers:     tc.StaticWorkers,
			DynamicWorkers:    tc.DynamicWorkers,
			HealthQueueLength: tc.HealthQueueLength,
			MaxExecuteTime:    tc.MaxExecuteTime,
			MaxConsumeCount:   tc.MaxConsumeCount,
			Queue: procqueue.QueueConfig{
				Addr:     cfg.TopicQueue(tc).Addr,
				DB:       cfg.TopicQueue(tc).DB,
				Password: cfg.TopicQueue(tc).Password,
			},
			Handler: handlerFor(tc),
		})
	}

	os.Exit(app.Execute())
}

// handlerFor builds the handler for one configured topic: the declared
// shell command when present, a logging sink otherwise.
func handlerFor(tc config.TopicConfig) func(ctx context.Context, payload string) error {
	if tc.Command == "" {
		return func(_ context.Context, payload string) error {
			logging.Info().Str("topic", tc.Name).Str("payload", payload).Msg("payload consumed")
			return nil
		}
	}
	return func(ctx context.Context, payload string) error {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", tc.Command)
		cmd.Env = append(os.Environ(), "PAYLOAD="+payload, "TOPIC="+tc.Name)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("command for topic %s: %w: %s", tc.Name, err, bytes.TrimSpace(out))
		}
		return nil
	}
}
