// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package daemon detaches the master from its controlling terminal.
//
// Go cannot fork mid-process, so daemonization is done by re-executing the
// binary: the foreground `start` spawns a copy of itself in a new session
// with stdin on /dev/null, marks it with an environment variable, and exits.
// The marked copy finishes the detach (chdir to /, clear umask) and becomes
// the master. Workers inherit the marker from the master, so every detached
// process is recognizable.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// EnvVar marks a process as a detached member of the supervisor: the
// re-exec'd master and every worker it forks.
const EnvVar = "PROCQUEUE_DAEMON"

// IsChild reports whether this process was spawned as a detached member.
func IsChild() bool {
	return os.Getenv(EnvVar) == "1"
}

// InteractiveTerminal reports whether stdin is attached to a terminal.
// Public commands refuse to run without one; detached members bypass the
// gate via the environment marker.
func InteractiveTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Spawn re-executes the current binary with args in a new session, detached
// from the terminal. stdout and stderr stay attached to the parent's for
// late startup diagnostics; stdin is /dev/null. Returns the child PID.
func Spawn(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), EnvVar+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	return cmd.Process.Pid, nil
}

// Activate completes the detach inside the spawned child: working directory
// to the root so no mount stays pinned, umask cleared so runtime files get
// the modes their creators ask for. Must run before the PID file is written.
func Activate() error {
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	unix.Umask(0)
	return nil
}
