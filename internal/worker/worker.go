// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package worker implements the consumption loop that runs inside each child
// process.
//
// A worker is deliberately short-lived: it exits cleanly on SIGUSR1, when its
// soft TTL elapses, when its consume cap is exceeded, or when it notices its
// parent is no longer the master that forked it. The master respawns baseline
// workers, so recycling is how leaked resources and stale connections in user
// handlers heal themselves.
//
// SIGUSR1 is delivered through a channel (os/signal.Notify) and observed at
// loop boundaries only: an in-flight handler always runs to completion.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/procqueue/internal/job"
	"github.com/tomtom215/procqueue/internal/logging"
	"github.com/tomtom215/procqueue/internal/metrics"
)

// popTimeout bounds each queue poll so exit conditions are re-checked at
// least once a second.
const popTimeout = time.Second

// backoffPoll is the granularity of the crash back-off wait. The wait is a
// loop, not one long sleep, so a drain signal still cancels it promptly.
const backoffPoll = 100 * time.Millisecond

// Popper is the slice of the queue contract the loop consumes through.
type Popper interface {
	Pop(ctx context.Context, timeout time.Duration) (payload string, ok bool, err error)
}

// Loop is one worker's run state.
type Loop struct {
	job       *job.Job
	masterPID int

	// backoffUntil is the crash back-off deadline handed down by the master
	// at fork time. Zero means no back-off.
	backoffUntil time.Time

	// Seams for tests; production wiring uses the real clock, the real
	// parent PID, and the job's own queue adapter.
	now     func() time.Time
	getppid func() int
	pop     func(ctx context.Context, timeout time.Duration) (string, bool, error)
	signals chan os.Signal
}

// New returns a Loop for j, supervised by the master with the given PID.
func New(j *job.Job, masterPID int, backoffUntil time.Time) *Loop {
	return &Loop{
		job:          j,
		masterPID:    masterPID,
		backoffUntil: backoffUntil,
		now:          time.Now,
		getppid:      os.Getppid,
		pop:          j.Pop,
		signals:      make(chan os.Signal, 1),
	}
}

// Run executes the worker contract and returns when the worker should exit.
// A nil return is a clean exit; an error means the process must exit with a
// non-zero status (handler failure or a hard queue error).
func (l *Loop) Run(ctx context.Context) error {
	signal.Notify(l.signals, syscall.SIGUSR1)
	defer signal.Stop(l.signals)

	start := l.now()
	consumed := 0

	logging.Info().
		Str("topic", l.job.Topic).
		Int("master_pid", l.masterPID).
		Msg("worker started")

	if !l.waitBackoff(ctx) {
		logging.Info().Str("topic", l.job.Topic).Msg("worker exiting during back-off")
		return nil
	}

	for {
		if l.drainRequested(ctx) {
			logging.Info().Str("topic", l.job.Topic).Msg("worker draining")
			return nil
		}
		if l.getppid() != l.masterPID {
			logging.Info().Str("topic", l.job.Topic).Msg("master gone, worker exiting")
			return nil
		}
		if l.job.MaxExecuteTime > 0 && l.now().Sub(start) > time.Duration(l.job.MaxExecuteTime)*time.Second {
			logging.Info().Str("topic", l.job.Topic).Msg("worker recycled: execute time elapsed")
			return nil
		}
		if l.job.MaxConsumeCount > 0 && consumed > l.job.MaxConsumeCount {
			logging.Info().Str("topic", l.job.Topic).Msg("worker recycled: consume cap reached")
			return nil
		}

		payload, ok, err := l.pop(ctx, popTimeout)
		if err != nil {
			return fmt.Errorf("pop %s: %w", l.job.Topic, err)
		}
		if !ok {
			continue
		}

		if err := l.handle(ctx, payload); err != nil {
			metrics.HandlerFailures.WithLabelValues(l.job.Topic).Inc()
			logging.Err(err).Str("topic", l.job.Topic).Msg("handler failed")
			return fmt.Errorf("handle %s: %w", l.job.Topic, err)
		}
		consumed++
		metrics.MessagesConsumed.WithLabelValues(l.job.Topic).Inc()
	}
}

// waitBackoff sleeps until the back-off deadline. It reports false when a
// drain request arrived during the wait.
func (l *Loop) waitBackoff(ctx context.Context) bool {
	if !l.now().Before(l.backoffUntil) {
		return true
	}
	logging.Info().
		Str("topic", l.job.Topic).
		Time("until", l.backoffUntil).
		Msg("back-off active, delaying consumption")

	for l.now().Before(l.backoffUntil) {
		select {
		case <-l.signals:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoffPoll):
		}
	}
	return true
}

// drainRequested drains any pending exit request without blocking.
func (l *Loop) drainRequested(ctx context.Context) bool {
	select {
	case <-l.signals:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// handle invokes the registered handler, converting a panic into an error so
// the raise reaches the log before the worker exits non-zero.
func (l *Loop) handle(ctx context.Context, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.job.Handle(ctx, payload)
}
