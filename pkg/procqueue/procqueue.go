// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package procqueue is the embeddable surface of the supervisor.
//
// A program registers one Job per topic with a Go handler and hands control
// to Execute, which dispatches the start/stop/restart/status command line.
// Because the master re-executes the running binary to fork workers, the
// embedding program must register the same jobs on every invocation before
// calling Execute.
//
//	app := procqueue.New(cfg)
//	app.Register(procqueue.Job{
//	    Topic:         "mail",
//	    StaticWorkers: 4,
//	    Handler: func(ctx context.Context, payload string) error {
//	        return sendMail(ctx, payload)
//	    },
//	})
//	os.Exit(app.Execute())
//
// Producers use Deliver and RevokeDelay; both work without a running
// supervisor.
package procqueue

import (
	"context"

	"github.com/tomtom215/procqueue/internal/cli"
	"github.com/tomtom215/procqueue/internal/config"
	"github.com/tomtom215/procqueue/internal/job"
	"github.com/tomtom215/procqueue/internal/queue"
)

// QueueConfig holds backend connection parameters.
type QueueConfig struct {
	// Addr is the backend host:port. Empty means the configured default.
	Addr string

	// DB is the database index.
	DB int

	// Password authenticates when non-empty.
	Password string
}

// Job declares one supervised topic.
type Job struct {
	// Topic names the queue; it is also the backend storage key. Jobs with
	// an empty topic are silently ignored at registration.
	Topic string

	// Delay selects scheduled (fire at-or-after a wall-clock time)
	// semantics instead of FIFO.
	Delay bool

	// StaticWorkers is the baseline worker count, clamped to [1, 1000].
	StaticWorkers int

	// DynamicWorkers is the autoscaler burst size, clamped to [1, 1000].
	DynamicWorkers int

	// HealthQueueLength is the backlog above which the autoscaler may
	// fire. 0 disables autoscaling.
	HealthQueueLength int

	// MaxExecuteTime recycles a worker after this many seconds. 0 disables
	// the TTL.
	MaxExecuteTime int

	// MaxConsumeCount recycles a worker once it has consumed more than
	// this many payloads. 0 means uncapped.
	MaxConsumeCount int

	// Queue overrides the default backend for this topic when Addr is set.
	Queue QueueConfig

	// Handler is invoked once per payload. A non-nil error (or a panic)
	// fails the worker, which exits non-zero and triggers the topic's
	// crash back-off.
	Handler func(ctx context.Context, payload string) error
}

// Config carries the supervisor settings. New uses it as given: fields left
// zero are not filled from defaults. Load builds one from the layered
// sources.
type Config = config.Config

// App is a configured supervisor instance.
type App struct {
	cfg  *config.Config
	jobs *job.Set
}

// Load builds an App from the layered configuration (defaults, optional
// YAML file, PROCQUEUE_* environment).
func Load() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// New builds an App from an explicit configuration.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg, jobs: job.NewSet()}
}

// Register adds a topic. Re-registering a topic overwrites it; numeric
// fields are clamped to their documented ranges.
func (a *App) Register(j Job) {
	a.jobs.Register(a.convert(j))
}

// Execute dispatches the command line and returns the process exit code.
func (a *App) Execute() int {
	return cli.Execute(cli.Options{Config: a.cfg, Jobs: a.jobs})
}

// Deliver enqueues payload on topic. For delay topics, expectedRunTime is
// the epoch second the payload becomes eligible; FIFO topics ignore it.
// Reports whether the enqueue succeeded.
func (a *App) Deliver(ctx context.Context, topic, payload string, expectedRunTime int64) bool {
	j := a.jobs.Get(topic)
	if j == nil {
		return false
	}
	return j.Deliver(ctx, payload, expectedRunTime)
}

// RevokeDelay removes a not-yet-fired payload from a delay topic. Reports
// false for FIFO topics and for payloads that were not present.
func (a *App) RevokeDelay(ctx context.Context, topic, payload string) bool {
	j := a.jobs.Get(topic)
	if j == nil {
		return false
	}
	return j.RevokeDelay(ctx, payload)
}

func (a *App) convert(j Job) *job.Job {
	qc := queue.Config{Addr: j.Queue.Addr, DB: j.Queue.DB, Password: j.Queue.Password}
	if qc.Addr == "" {
		qc = a.cfg.Queue
	}
	return &job.Job{
		Topic:              j.Topic,
		IsDelay:            j.Delay,
		StaticWorkerCount:  j.StaticWorkers,
		DynamicWorkerCount: j.DynamicWorkers,
		HealthQueueLength:  j.HealthQueueLength,
		MaxExecuteTime:     j.MaxExecuteTime,
		MaxConsumeCount:    j.MaxConsumeCount,
		Queue:              qc,
		Handler:            j.Handler,
	}
}
