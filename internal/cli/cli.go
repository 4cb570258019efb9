// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package cli translates the start/stop/restart/status commands into
// supervisor actions. Every command prints a single human-readable outcome
// line; operational detail goes to the process log.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/procqueue/internal/config"
	"github.com/tomtom215/procqueue/internal/daemon"
	"github.com/tomtom215/procqueue/internal/job"
	"github.com/tomtom215/procqueue/internal/logging"
	"github.com/tomtom215/procqueue/internal/master"
	"github.com/tomtom215/procqueue/internal/pidfile"
	"github.com/tomtom215/procqueue/internal/worker"
)

const (
	// stopTimeout bounds how long `stop` waits for the master to exit.
	stopTimeout = 30 * time.Second

	// stopPoll paces the liveness probes during `stop`.
	stopPoll = 500 * time.Millisecond
)

// Options wires the dispatcher to a configuration and a set of registered
// jobs.
type Options struct {
	// Program is the name shown in the usage line. Defaults to the base
	// name of argv[0].
	Program string

	// Args are the command-line arguments, excluding the program name.
	// Defaults to os.Args[1:].
	Args []string

	Config *config.Config
	Jobs   *job.Set
}

// Execute dispatches one command and returns the process exit code.
func Execute(opts Options) int {
	if opts.Program == "" {
		opts.Program = filepath.Base(os.Args[0])
	}
	if opts.Args == nil {
		opts.Args = os.Args[1:]
	}

	// The supervisor is a CLI tool: public commands must come from an
	// interactive shell. Detached members (the re-exec'd master and its
	// workers) carry the daemon marker and bypass the gate.
	if !daemon.IsChild() && !daemon.InteractiveTerminal() {
		fmt.Fprintf(os.Stderr, "%s: must be run from a terminal\n", opts.Program)
		return 1
	}

	root := newRoot(&opts)
	root.SetArgs(opts.Args)
	if err := root.Execute(); err != nil {
		fmt.Println(err.Error())
		return 1
	}
	return 0
}

func newRoot(opts *Options) *cobra.Command {
	root := &cobra.Command{
		Use:           opts.Program,
		Short:         "Multi-process queue worker supervisor",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Anything that is not a known command prints the usage line and
		// succeeds; the CLI never fails over a typo.
		RunE: func(_ *cobra.Command, _ []string) error {
			printUsage(opts.Program)
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newStartCmd(opts),
		newStopCmd(opts),
		newRestartCmd(opts),
		newStatusCmd(opts),
		newWorkerCmd(opts),
	)
	return root
}

func printUsage(program string) {
	fmt.Printf("command usage: %s [start|stop|restart|status]\n", program)
}

func newStartCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(opts)
		},
	}
}

func newStopCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running master and its workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(opts)
		},
	}
}

func newRestartCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the master, then start a fresh one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runStop(opts); err != nil {
				return fmt.Errorf("restart aborted: %w", err)
			}
			return runStart(opts)
		},
	}
}

func newStatusCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the master is running",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			runStatus(opts)
		},
	}
}

// runStart is idempotent against a live master: the notice is the outcome.
func runStart(opts *Options) error {
	registry := pidfile.New(opts.Config.PIDFile())
	if pid := registry.ReadLiveMaster(); pid != 0 {
		fmt.Printf("process already running, pid=%d\n", pid)
		return nil
	}

	if !daemon.IsChild() {
		pid, err := daemon.Spawn([]string{"start"})
		if err != nil {
			return fmt.Errorf("start failed: %w", err)
		}
		fmt.Printf("process started, pid=%d\n", pid)
		return nil
	}

	// We are the detached copy: finish the detach and become the master.
	// A detach failure must surface before the PID file is written.
	if err := daemon.Activate(); err != nil {
		logging.Err(err).Msg("daemonize failed")
		return err
	}
	logging.InitFile(opts.Config.LogFile(), opts.Config.Logging.Level)

	m := master.New(opts.Jobs, registry, opts.Config.Metrics.Addr)
	if err := m.Run(context.Background()); err != nil {
		logging.Err(err).Msg("master failed")
		return err
	}
	return nil
}

// runStop writes the stop directive and waits for the master to notice.
func runStop(opts *Options) error {
	registry := pidfile.New(opts.Config.PIDFile())
	pid := registry.ReadLiveMaster()
	if pid == 0 {
		fmt.Println("process is not running")
		return nil
	}

	if err := registry.WriteMaster(0); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !pidfile.Alive(pid) {
			fmt.Println("process stopped")
			return nil
		}
		time.Sleep(stopPoll)
	}
	return errors.New("stop process timeout")
}

func runStatus(opts *Options) {
	registry := pidfile.New(opts.Config.PIDFile())
	pid := registry.ReadLiveMaster()
	if pid == 0 {
		fmt.Println("process is not running")
		return
	}
	fmt.Printf("process is running, pid=%d\n", pid)

	// Best effort backlog report; status never fails over the backend.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, j := range opts.Jobs.All() {
		size, err := j.Size(ctx)
		if err != nil {
			continue
		}
		fmt.Printf("  topic %s: backlog %d\n", j.Topic, size)
	}
}

// newWorkerCmd is the hidden entry point the master re-execs for each child.
func newWorkerCmd(opts *Options) *cobra.Command {
	var (
		topic        string
		masterPID    int
		dynamic      bool
		backoffUntil int64
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j := opts.Jobs.Get(topic)
			if j == nil {
				return fmt.Errorf("worker: unknown topic %q", topic)
			}
			logging.InitFile(opts.Config.LogFile(), opts.Config.Logging.Level)

			var backoff time.Time
			if backoffUntil > 0 {
				backoff = time.Unix(backoffUntil, 0)
			}
			loop := worker.New(j, masterPID, backoff)
			return loop.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to consume")
	cmd.Flags().IntVar(&masterPID, "master-pid", 0, "pid of the supervising master")
	cmd.Flags().BoolVar(&dynamic, "dynamic", false, "worker was forked by the autoscaler")
	cmd.Flags().Int64Var(&backoffUntil, "backoff-until", 0, "crash back-off deadline, epoch seconds")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("master-pid")
	return cmd
}
