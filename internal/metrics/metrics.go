// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package metrics provides Prometheus instrumentation for the supervisor.
//
// The master exposes these collectors on an optional HTTP listener (see
// Server). Workers update their own per-process counters too; those are not
// scraped, but incrementing them is harmless and keeps the call sites
// uniform.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker lifecycle
	WorkersForked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procqueue_workers_forked_total",
			Help: "Total workers forked by the master",
		},
		[]string{"topic", "kind"}, // kind: static, dynamic
	)

	WorkerExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procqueue_worker_exits_total",
			Help: "Total worker exits reaped by the master",
		},
		[]string{"topic", "outcome"}, // outcome: clean, error
	)

	LiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procqueue_live_workers",
			Help: "Workers currently tracked per topic",
		},
		[]string{"topic"},
	)

	// Consumption
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procqueue_messages_consumed_total",
			Help: "Payloads handled successfully",
		},
		[]string{"topic"},
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procqueue_handler_failures_total",
			Help: "Handler invocations that raised",
		},
		[]string{"topic"},
	)

	// Autoscaling and health
	BacklogSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procqueue_backlog_size",
			Help: "Workable backlog observed at the last health check",
		},
		[]string{"topic"},
	)

	AutoscaleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procqueue_autoscale_fires_total",
			Help: "Autoscaler activations per topic",
		},
		[]string{"topic"},
	)

	CrashBackoffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procqueue_crash_backoffs_total",
			Help: "Crash back-off windows imposed after non-zero worker exits",
		},
		[]string{"topic"},
	)
)
