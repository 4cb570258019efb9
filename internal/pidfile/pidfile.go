// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package pidfile persists the master PID and answers liveness questions
// about it.
//
// The PID file plays two roles. It is the singleton guard: a second `start`
// on the same runtime directory sees a live PID and refuses to run. It is
// also the cooperative stop channel: `stop` writes 0, and the master notices
// the mismatch on its next periodic check and drains itself. There is no
// other out-of-band stop signal.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Registry reads and writes the master PID file.
type Registry struct {
	path string
}

// New returns a Registry backed by the given file path.
func New(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the PID file path.
func (r *Registry) Path() string {
	return r.path
}

// ReadLiveMaster returns the recorded master PID if that process is alive,
// and 0 otherwise. A missing file, unparseable contents, a recorded 0, or a
// dead PID all mean "no master".
func (r *Registry) ReadLiveMaster() int {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	if !Alive(pid) {
		return 0
	}
	return pid
}

// WriteMaster atomically records pid. Writing 0 is the stop directive: the
// running master observes the mismatch and begins its drain. Parent
// directories are created as needed.
func (r *Registry) WriteMaster(pid int) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o777); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	// Write-then-rename so a concurrent reader never observes a torn value.
	tmp := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit pid file: %w", err)
	}
	return nil
}

// Alive reports whether pid names a live process, using the signal-0 probe.
// EPERM counts as alive: the process exists, we just may not signal it.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
