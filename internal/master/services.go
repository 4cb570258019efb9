// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

package master

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/procqueue/internal/logging"
)

// managerService is the main supervision loop: it reaps child exits,
// maintains the baseline fleet, and executes the drain.
type managerService struct {
	m *Master
}

// String names the service in supervisor logs.
func (s *managerService) String() string {
	return "worker-manager"
}

// Serve implements suture.Service.
func (s *managerService) Serve(ctx context.Context) error {
	m := s.m

	signal.Notify(m.sigs, syscall.SIGUSR1)
	defer signal.Stop(m.sigs)

	for {
		interval := m.pollEvery
		if m.draining.Load() {
			interval = m.drainEvery
		}

		select {
		case <-ctx.Done():
			m.beginDrain()
			return s.drain()
		case <-m.sigs:
			m.beginDrain()
			return s.drain()
		case ev := <-m.exits:
			if err := m.reap(ev); err != nil {
				// A failed fork is fatal: record it so Run exits non-zero
				// after the tree unwinds.
				m.fatal.Store(fmt.Errorf("fork replacement worker: %w", err))
				m.beginDrain()
				return s.drain()
			}
		case <-time.After(interval):
		}
	}
}

// drain keeps reaping until no tracked children remain, then tears the tree
// down. In-flight handlers finish on their own schedule; the master stays up
// until every child is accounted for.
func (s *managerService) drain() error {
	m := s.m
	for m.liveWorkers() > 0 {
		select {
		case ev := <-m.exits:
			_ = m.reap(ev)
		case <-time.After(m.drainEvery):
		}
	}
	logging.Info().Int("pid", m.pid).Msg("all workers reaped")
	return suture.ErrTerminateSupervisorTree
}

// healthService runs the periodic PID-file verification and the autoscaler.
type healthService struct {
	m *Master
}

// String names the service in supervisor logs.
func (s *healthService) String() string {
	return "health-monitor"
}

// Serve implements suture.Service.
func (s *healthService) Serve(ctx context.Context) error {
	m := s.m

	ticker := time.NewTicker(m.healthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if m.draining.Load() {
			continue
		}

		// The PID file is the stop channel: if it no longer names this
		// process, someone asked us to go. Self-deliver the drain signal so
		// shutdown takes the one path the manager already handles.
		if got := m.registry.ReadLiveMaster(); got != m.pid {
			logging.Info().
				Int("pid", m.pid).
				Int("recorded", got).
				Msg("pid file no longer names this master, draining")
			if err := m.kill(m.pid, syscall.SIGUSR1); err != nil {
				logging.Err(err).Msg("self drain signal failed")
			}
			continue
		}

		m.autoscale(ctx)
	}
}
