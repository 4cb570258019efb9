// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package job defines the per-topic descriptor: the registered configuration
// of a topic plus the runtime state the master keeps for it.
//
// A descriptor is a plain value owned by the supervisor, not process-global
// state. The queue handle inside it is lazy and per-process: the master and
// each worker that share a descriptor's configuration each open their own
// connection on first use, so no socket ever straddles a fork.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/procqueue/internal/queue"
)

// Worker-count bounds applied at registration.
const (
	minWorkers = 1
	maxWorkers = 1000
)

// Handler processes one payload. A nil return acknowledges the message; an
// error (or panic) makes the consuming worker exit with a non-zero status.
type Handler func(ctx context.Context, payload string) error

// Job describes one registered topic.
type Job struct {
	// Topic is the queue name; it is also the backend storage key.
	Topic string

	// IsDelay selects scheduled (sorted-set) semantics over FIFO.
	IsDelay bool

	// StaticWorkerCount is the baseline worker count, kept alive by the
	// master. Clamped to [1, 1000].
	StaticWorkerCount int

	// DynamicWorkerCount is the burst size forked when the backlog is
	// unhealthy. Clamped to [1, 1000].
	DynamicWorkerCount int

	// HealthQueueLength is the backlog above which the autoscaler may fire.
	// 0 disables autoscaling for this topic.
	HealthQueueLength int

	// MaxExecuteTime is the worker soft TTL in seconds. 0 means no TTL.
	MaxExecuteTime int

	// MaxConsumeCount is the worker soft message cap. 0 means uncapped.
	MaxConsumeCount int

	// Queue holds the backend connection parameters for this topic.
	Queue queue.Config

	// Handler is invoked once per consumed payload.
	Handler Handler

	mu sync.Mutex

	// workers maps live child PIDs to their fork origin. Master-only.
	workers map[int]WorkerInfo

	// workerEnabledTime is the crash back-off deadline. Only the master
	// sets it (when reaping a failed child); only the next worker forked
	// for this topic honors it.
	workerEnabledTime time.Time

	// adapter is the lazy per-process queue handle.
	adapter *queue.Adapter
}

// WorkerInfo records what the master knows about one live child.
type WorkerInfo struct {
	// Dynamic is true for autoscaler-forked children, which are never
	// respawned on exit.
	Dynamic bool
}

// normalize clamps numeric fields to their documented ranges.
func (j *Job) normalize() {
	if j.StaticWorkerCount < minWorkers {
		j.StaticWorkerCount = minWorkers
	}
	if j.StaticWorkerCount > maxWorkers {
		j.StaticWorkerCount = maxWorkers
	}
	if j.DynamicWorkerCount < minWorkers {
		j.DynamicWorkerCount = minWorkers
	}
	if j.DynamicWorkerCount > maxWorkers {
		j.DynamicWorkerCount = maxWorkers
	}
	if j.HealthQueueLength < 0 {
		j.HealthQueueLength = 0
	}
	if j.MaxExecuteTime < 0 {
		j.MaxExecuteTime = 0
	}
	if j.MaxConsumeCount < 0 {
		j.MaxConsumeCount = 0
	}
}

// Adapter returns the topic's lazy per-process queue handle.
func (j *Job) Adapter() *queue.Adapter {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.adapter == nil {
		j.adapter = queue.New(j.Queue, j.IsDelay)
	}
	return j.adapter
}

// Pop proxies the queue adapter for the supervisor and the worker loop.
func (j *Job) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	return j.Adapter().Pop(ctx, j.Topic, timeout)
}

// Size returns the workable backlog for this topic.
func (j *Job) Size(ctx context.Context) (int64, error) {
	return j.Adapter().Size(ctx, j.Topic)
}

// Deliver enqueues payload for this topic. expectedRunTime is the epoch
// second the payload becomes eligible on delay topics and is ignored for
// FIFO topics. It reports whether the enqueue succeeded; failures are not
// detailed to the producer beyond the boolean, matching the producer API.
func (j *Job) Deliver(ctx context.Context, payload string, expectedRunTime int64) bool {
	return j.Adapter().Deliver(ctx, j.Topic, payload, expectedRunTime) == nil
}

// RevokeDelay removes a not-yet-fired payload from a delay topic.
func (j *Job) RevokeDelay(ctx context.Context, payload string) bool {
	ok, err := j.Adapter().Revoke(ctx, j.Topic, payload)
	return err == nil && ok
}

// Handle runs the registered handler for one payload.
func (j *Job) Handle(ctx context.Context, payload string) error {
	if j.Handler == nil {
		return nil
	}
	return j.Handler(ctx, payload)
}

// AddWorker records a newly forked child.
func (j *Job) AddWorker(pid int, dynamic bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.workers == nil {
		j.workers = make(map[int]WorkerInfo)
	}
	j.workers[pid] = WorkerInfo{Dynamic: dynamic}
}

// RemoveWorker forgets a reaped child and returns what was recorded for it.
func (j *Job) RemoveWorker(pid int) (WorkerInfo, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	info, ok := j.workers[pid]
	delete(j.workers, pid)
	return info, ok
}

// WorkerCount returns the number of live children for this topic.
func (j *Job) WorkerCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.workers)
}

// WorkerPIDs returns the live child PIDs.
func (j *Job) WorkerPIDs() []int {
	j.mu.Lock()
	defer j.mu.Unlock()
	pids := make([]int, 0, len(j.workers))
	for pid := range j.workers {
		pids = append(pids, pid)
	}
	return pids
}

// SetBackoff records the crash back-off deadline for this topic.
func (j *Job) SetBackoff(until time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.workerEnabledTime = until
}

// Backoff returns the current back-off deadline (zero when none was set).
func (j *Job) Backoff() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.workerEnabledTime
}

// Set is the registration table of descriptors, keyed by topic.
type Set struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewSet returns an empty registration table.
func NewSet() *Set {
	return &Set{jobs: make(map[string]*Job)}
}

// Register adds j to the table. A job with an empty topic is silently
// ignored; re-registering a topic overwrites the previous descriptor.
// Numeric fields are clamped to their documented ranges.
func (s *Set) Register(j *Job) {
	if j == nil || j.Topic == "" {
		return
	}
	j.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.Topic] = j
}

// Get returns the descriptor for topic, or nil.
func (s *Set) Get(topic string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[topic]
}

// All returns every registered descriptor. Order is not semantic.
func (s *Set) All() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	return jobs
}

// Len returns the number of registered topics.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
