// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package logfile implements the shared append-only line log.
//
// The log file is shared by path across the master and every worker process.
// Two advisory locks keep concurrent writers safe:
//
//   - Appends take a blocking exclusive flock on the active file, so records
//     from different processes never interleave mid-line.
//   - Rotation takes a non-blocking exclusive flock; a writer that loses the
//     race skips rotation (someone else is rotating) and proceeds to append.
//
// Errors on the log path are swallowed: logging must never take down the
// process doing the logging.
package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// rotateSize is the active-file size that triggers rotation.
	rotateSize = 10 << 20 // 10 MiB

	// rotateDepth is the number of rotated siblings kept (.1 .. .5).
	rotateDepth = 5

	timeLayout = "2006-01-02 15:04:05.0000"
)

// Writer appends formatted records to a single log file, rotating the file
// through numbered suffixes once it exceeds rotateSize.
//
// A Writer is safe for concurrent use within a process (mutex) and across
// processes (flock).
type Writer struct {
	path string

	mu sync.Mutex

	// now is the clock used for record timestamps.
	now func() time.Time

	// pid is stamped into every record.
	pid int
}

// New returns a Writer appending to path. The parent directory is created if
// missing; failure to create it is deferred to (and swallowed by) Append.
func New(path string) *Writer {
	_ = os.MkdirAll(filepath.Dir(path), 0o777)
	return &Writer{
		path: path,
		now:  time.Now,
		pid:  os.Getpid(),
	}
}

// Path returns the active log file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one record as a single line:
//
//	[YYYY-MM-DD HH:MM:SS.mmmm][LEVEL][pid=P]<text>\n
//
// Embedded newlines in text are flattened to spaces. Rotation is attempted
// before the append. All I/O errors are swallowed.
func (w *Writer) Append(level, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	line := fmt.Sprintf("[%s][%s][pid=%d]%s\n", w.now().Format(timeLayout), level, w.pid, text)

	w.rotate()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Parent directory may have been removed out from under us.
		if err = os.MkdirAll(filepath.Dir(w.path), 0o777); err != nil {
			return
		}
		if f, err = os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			return
		}
	}
	defer f.Close()

	locked := unix.Flock(int(f.Fd()), unix.LOCK_EX) == nil
	_, _ = f.WriteString(line)
	if locked {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}
}

// rotate shifts the active file into the .1 .. .5 window when it has grown
// past rotateSize. The whole operation runs under a non-blocking exclusive
// lock: if another process holds it, that process is already rotating and we
// simply append to whichever file ends up active.
func (w *Writer) rotate() {
	st, err := os.Stat(w.path)
	if err != nil || st.Size() <= rotateSize {
		return
	}

	f, err := os.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()

	if unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) != nil {
		return
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	// Re-check under the lock: another writer may have rotated the file
	// between the size check and the open.
	st, err = os.Stat(w.path)
	if err != nil || st.Size() <= rotateSize {
		return
	}

	for i := rotateDepth - 1; i >= 1; i-- {
		_ = os.Rename(w.suffixed(i), w.suffixed(i+1))
	}
	_ = os.Rename(w.path, w.suffixed(1))
}

func (w *Writer) suffixed(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}
