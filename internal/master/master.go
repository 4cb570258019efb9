// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package master implements the supervisor process.
//
// The master forks one child process per configured worker by re-executing
// its own binary with the hidden `worker` subcommand, so the child's argv
// identifies its topic and role. Child exits arrive on a channel (one Wait
// goroutine per child posts the result), which is the non-blocking reap: the
// manager loop consumes strictly one exit per event and never races on a
// status.
//
// Internally the master is a suture tree of three services:
//
//   - worker-manager: baseline maintenance, reaping, respawn, drain
//   - health-monitor: the 60 s PID-file check and the backlog autoscaler
//   - metrics-server: optional Prometheus listener
//
// The master holds no long-lived queue connection. Backlog probes open a
// fresh adapter and close it, so no backend socket exists around a fork.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/procqueue/internal/daemon"
	"github.com/tomtom215/procqueue/internal/job"
	"github.com/tomtom215/procqueue/internal/logging"
	"github.com/tomtom215/procqueue/internal/metrics"
	"github.com/tomtom215/procqueue/internal/pidfile"
	"github.com/tomtom215/procqueue/internal/queue"
)

const (
	// pollInterval paces the manager loop; drainPollInterval replaces it
	// once a drain begins so the remaining reaps land quickly.
	pollInterval      = time.Second
	drainPollInterval = 100 * time.Millisecond

	// healthInterval paces the PID-file check and the autoscaler.
	healthInterval = time.Minute

	// crashBackoff is the per-topic wait imposed on new workers after a
	// non-zero exit.
	crashBackoff = time.Minute
)

// exitEvent is one reaped child.
type exitEvent struct {
	pid     int
	topic   string
	dynamic bool
	// err carries the non-zero exit status; nil is a clean exit.
	err error
}

// Master supervises the worker fleet for a set of registered jobs.
type Master struct {
	jobs        *job.Set
	registry    *pidfile.Registry
	pid         int
	metricsAddr string

	exits    chan exitEvent
	sigs     chan os.Signal
	draining atomic.Bool

	// fatal holds the error that forced the tree down, so Run can exit
	// non-zero after an orderly stop.
	fatal atomic.Value

	// Seams for tests. Production wiring re-execs the binary, probes the
	// backend with a throwaway adapter, and signals with unix.Kill.
	spawn   func(j *job.Job, dynamic bool) (int, error)
	backlog func(ctx context.Context, j *job.Job) (int64, error)
	kill    func(pid int, sig syscall.Signal) error
	now     func() time.Time

	pollEvery   time.Duration
	drainEvery  time.Duration
	healthEvery time.Duration
}

// New returns a Master for the given registrations. The caller is the
// already-daemonized process; pid is recorded in the registry when Run
// starts.
func New(jobs *job.Set, registry *pidfile.Registry, metricsAddr string) *Master {
	m := &Master{
		jobs:        jobs,
		registry:    registry,
		pid:         os.Getpid(),
		metricsAddr: metricsAddr,
		exits:       make(chan exitEvent, 64),
		sigs:        make(chan os.Signal, 1),
		kill:        syscall.Kill,
		now:         time.Now,
		pollEvery:   pollInterval,
		drainEvery:  drainPollInterval,
		healthEvery: healthInterval,
	}
	m.spawn = m.execSpawn
	m.backlog = probeBacklog
	return m
}

// Run records the master PID, forks the baseline fleet, and serves the
// supervision tree until drain completes. The error, if any, is what should
// make the master process exit non-zero.
func (m *Master) Run(ctx context.Context) error {
	if err := m.registry.WriteMaster(m.pid); err != nil {
		return err
	}

	logging.Info().Int("pid", m.pid).Int("topics", m.jobs.Len()).Msg("master started")

	if err := m.spawnBaseline(); err != nil {
		return err
	}

	handler := &sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}
	root := suture.New("procqueue-master", suture.Spec{
		EventHook: handler.MustHook(),
	})
	root.Add(&managerService{m})
	root.Add(&healthService{m})
	if m.metricsAddr != "" {
		root.Add(metrics.NewServer(m.metricsAddr))
	}

	err := root.Serve(ctx)
	if err != nil && !errors.Is(err, suture.ErrTerminateSupervisorTree) &&
		!errors.Is(err, context.Canceled) {
		return err
	}
	if fatal, ok := m.fatal.Load().(error); ok {
		return fatal
	}
	logging.Info().Int("pid", m.pid).Msg("master exited")
	return nil
}

// spawnBaseline forks the configured static workers for every topic.
func (m *Master) spawnBaseline() error {
	for _, j := range m.jobs.All() {
		for i := 0; i < j.StaticWorkerCount; i++ {
			if err := m.spawnWorker(j, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// spawnWorker forks one child and tracks it on the descriptor.
func (m *Master) spawnWorker(j *job.Job, dynamic bool) error {
	pid, err := m.spawn(j, dynamic)
	if err != nil {
		return err
	}
	j.AddWorker(pid, dynamic)

	kind := "static"
	if dynamic {
		kind = "dynamic"
	}
	metrics.WorkersForked.WithLabelValues(j.Topic, kind).Inc()
	metrics.LiveWorkers.WithLabelValues(j.Topic).Set(float64(j.WorkerCount()))
	logging.Info().
		Str("topic", j.Topic).
		Int("worker_pid", pid).
		Bool("dynamic", dynamic).
		Msg("worker forked")
	return nil
}

// execSpawn re-executes the current binary as a worker child. The crash
// back-off deadline, when active, travels to the child on its command line:
// the master sets it but never sleeps on it itself.
func (m *Master) execSpawn(j *job.Job, dynamic bool) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	args := []string{"worker", "--topic", j.Topic, "--master-pid", strconv.Itoa(m.pid)}
	if dynamic {
		args = append(args, "--dynamic")
	}
	if bo := j.Backoff(); bo.After(m.now()) {
		args = append(args, "--backoff-until", strconv.FormatInt(bo.Unix(), 10))
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemon.EnvVar+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	go func() {
		werr := cmd.Wait()
		m.exits <- exitEvent{pid: pid, topic: j.Topic, dynamic: dynamic, err: werr}
	}()
	return pid, nil
}

// probeBacklog opens a fresh adapter for one Size call so the master never
// keeps a backend socket open across forks.
func probeBacklog(ctx context.Context, j *job.Job) (int64, error) {
	a := queue.New(j.Queue, j.IsDelay)
	defer a.Close()
	return a.Size(ctx, j.Topic)
}

// liveWorkers counts tracked children across all topics.
func (m *Master) liveWorkers() int {
	n := 0
	for _, j := range m.jobs.All() {
		n += j.WorkerCount()
	}
	return n
}

// beginDrain flips the master into shutdown mode and forwards the drain
// signal to every tracked child. Idempotent.
func (m *Master) beginDrain() {
	if m.draining.Swap(true) {
		return
	}
	logging.Info().Int("pid", m.pid).Msg("drain started")
	for _, j := range m.jobs.All() {
		for _, pid := range j.WorkerPIDs() {
			if err := m.kill(pid, syscall.SIGUSR1); err != nil {
				logging.Err(err).Int("worker_pid", pid).Msg("forward drain signal")
			}
		}
	}
}

// reap processes one child exit: log it, impose crash back-off on failure,
// and respawn baseline workers while not draining.
func (m *Master) reap(ev exitEvent) error {
	j := m.jobs.Get(ev.topic)
	if j == nil {
		logging.Warn().Int("worker_pid", ev.pid).Str("topic", ev.topic).Msg("reaped unknown topic")
		return nil
	}

	info, tracked := j.RemoveWorker(ev.pid)
	dynamic := ev.dynamic
	if tracked {
		dynamic = info.Dynamic
	}
	metrics.LiveWorkers.WithLabelValues(j.Topic).Set(float64(j.WorkerCount()))

	if ev.err != nil {
		j.SetBackoff(m.now().Add(crashBackoff))
		metrics.WorkerExits.WithLabelValues(j.Topic, "error").Inc()
		metrics.CrashBackoffs.WithLabelValues(j.Topic).Inc()
		logging.Err(ev.err).
			Str("topic", j.Topic).
			Int("worker_pid", ev.pid).
			Msg("worker exited with failure, back-off imposed")
	} else {
		metrics.WorkerExits.WithLabelValues(j.Topic, "clean").Inc()
		logging.Info().
			Str("topic", j.Topic).
			Int("worker_pid", ev.pid).
			Msg("worker exited")
	}

	if !m.draining.Load() && !dynamic {
		if err := m.spawnWorker(j, false); err != nil {
			return err
		}
	}
	return nil
}

// autoscale forks the configured dynamic burst for each topic whose backlog
// is past its health threshold, provided no dynamic workers are still live
// (worker count at or below baseline).
func (m *Master) autoscale(ctx context.Context) {
	for _, j := range m.jobs.All() {
		if j.HealthQueueLength <= 0 || j.DynamicWorkerCount <= 0 {
			continue
		}
		if j.WorkerCount() > j.StaticWorkerCount {
			continue
		}
		size, err := m.backlog(ctx, j)
		if err != nil {
			logging.Err(err).Str("topic", j.Topic).Msg("backlog probe failed")
			continue
		}
		metrics.BacklogSize.WithLabelValues(j.Topic).Set(float64(size))
		if size <= int64(j.HealthQueueLength) {
			continue
		}

		metrics.AutoscaleFires.WithLabelValues(j.Topic).Inc()
		logging.Info().
			Str("topic", j.Topic).
			Int64("backlog", size).
			Int("threshold", j.HealthQueueLength).
			Int("burst", j.DynamicWorkerCount).
			Msg("backlog unhealthy, forking dynamic workers")

		for i := 0; i < j.DynamicWorkerCount; i++ {
			if err := m.spawnWorker(j, true); err != nil {
				// A failed fork is fatal here as in the manager: record it and
				// self-deliver the drain signal so the tree unwinds and Run
				// exits non-zero.
				m.fatal.Store(fmt.Errorf("fork dynamic worker: %w", err))
				if kerr := m.kill(m.pid, syscall.SIGUSR1); kerr != nil {
					logging.Err(kerr).Msg("self drain signal failed")
				}
				return
			}
		}
	}
}
