// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

package master

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/procqueue/internal/job"
	"github.com/tomtom215/procqueue/internal/logging"
	"github.com/tomtom215/procqueue/internal/pidfile"
)

type spawnRecord struct {
	topic   string
	dynamic bool
	pid     int
}

// fakeForker hands out fake PIDs and records every fork.
type fakeForker struct {
	mu      sync.Mutex
	nextPID int
	spawns  []spawnRecord
	fail    bool
}

func (f *fakeForker) spawn(j *job.Job, dynamic bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("fork: resource temporarily unavailable")
	}
	f.nextPID++
	pid := 10000 + f.nextPID
	f.spawns = append(f.spawns, spawnRecord{topic: j.Topic, dynamic: dynamic, pid: pid})
	return pid, nil
}

func (f *fakeForker) count(topic string, dynamic bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.spawns {
		if s.topic == topic && s.dynamic == dynamic {
			n++
		}
	}
	return n
}

// fakeKiller records delivered signals.
type fakeKiller struct {
	mu    sync.Mutex
	sent  []int
	errFn func(pid int) error
}

func (k *fakeKiller) kill(pid int, _ syscall.Signal) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.errFn != nil {
		if err := k.errFn(pid); err != nil {
			return err
		}
	}
	k.sent = append(k.sent, pid)
	return nil
}

func (k *fakeKiller) signalled(pid int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range k.sent {
		if p == pid {
			return true
		}
	}
	return false
}

func newTestMaster(t *testing.T, jobs *job.Set) (*Master, *fakeForker, *fakeKiller) {
	t.Helper()
	logging.SetLogger(zerolog.Nop())

	registry := pidfile.New(filepath.Join(t.TempDir(), "master.pid"))
	m := New(jobs, registry, "")

	forker := &fakeForker{}
	killer := &fakeKiller{}
	m.spawn = forker.spawn
	m.kill = killer.kill
	m.backlog = func(context.Context, *job.Job) (int64, error) { return 0, nil }
	m.pollEvery = 10 * time.Millisecond
	m.drainEvery = 5 * time.Millisecond
	m.healthEvery = 10 * time.Millisecond
	return m, forker, killer
}

func registered(s *job.Set, j *job.Job) *job.Job {
	s.Register(j)
	return s.Get(j.Topic)
}

func TestSpawnBaseline(t *testing.T) {
	jobs := job.NewSet()
	registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 3})
	registered(jobs, &job.Job{Topic: "sms", StaticWorkerCount: 2})
	m, forker, _ := newTestMaster(t, jobs)

	if err := m.spawnBaseline(); err != nil {
		t.Fatalf("spawnBaseline: %v", err)
	}
	if got := forker.count("mail", false); got != 3 {
		t.Errorf("mail baseline = %d, want 3", got)
	}
	if got := forker.count("sms", false); got != 2 {
		t.Errorf("sms baseline = %d, want 2", got)
	}
	if got := m.liveWorkers(); got != 5 {
		t.Errorf("liveWorkers = %d, want 5", got)
	}
}

func TestReapRespawnsStaticWorkers(t *testing.T) {
	jobs := job.NewSet()
	j := registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 1})
	m, forker, _ := newTestMaster(t, jobs)

	if err := m.spawnBaseline(); err != nil {
		t.Fatal(err)
	}
	pid := forker.spawns[0].pid

	if err := m.reap(exitEvent{pid: pid, topic: "mail"}); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if got := forker.count("mail", false); got != 2 {
		t.Errorf("expected a replacement fork, total static forks = %d", got)
	}
	if got := j.WorkerCount(); got != 1 {
		t.Errorf("WorkerCount = %d, want 1 after respawn", got)
	}
}

func TestReapNeverRespawnsDynamicWorkers(t *testing.T) {
	jobs := job.NewSet()
	j := registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 1})
	m, forker, _ := newTestMaster(t, jobs)

	if err := m.spawnWorker(j, true); err != nil {
		t.Fatal(err)
	}
	pid := forker.spawns[0].pid

	if err := m.reap(exitEvent{pid: pid, topic: "mail", dynamic: true}); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if got := len(forker.spawns); got != 1 {
		t.Errorf("dynamic worker was respawned, forks = %d", got)
	}
	if got := j.WorkerCount(); got != 0 {
		t.Errorf("WorkerCount = %d, want 0", got)
	}
}

func TestReapImposesCrashBackoff(t *testing.T) {
	jobs := job.NewSet()
	j := registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 1})
	m, forker, _ := newTestMaster(t, jobs)

	base := time.Now()
	m.now = func() time.Time { return base }

	if err := m.spawnBaseline(); err != nil {
		t.Fatal(err)
	}
	pid := forker.spawns[0].pid

	err := m.reap(exitEvent{pid: pid, topic: "mail", err: errors.New("exit status 1")})
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	want := base.Add(crashBackoff)
	if !j.Backoff().Equal(want) {
		t.Errorf("Backoff = %v, want %v", j.Backoff(), want)
	}
	// The baseline is still maintained, just delayed by the child's wait.
	if got := forker.count("mail", false); got != 2 {
		t.Errorf("replacement not forked after failed exit, forks = %d", got)
	}
}

func TestReapCleanExitLeavesNoBackoff(t *testing.T) {
	jobs := job.NewSet()
	j := registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 1})
	m, forker, _ := newTestMaster(t, jobs)

	if err := m.spawnBaseline(); err != nil {
		t.Fatal(err)
	}
	if err := m.reap(exitEvent{pid: forker.spawns[0].pid, topic: "mail"}); err != nil {
		t.Fatal(err)
	}
	if !j.Backoff().IsZero() {
		t.Errorf("clean exit should not impose back-off, got %v", j.Backoff())
	}
}

func TestNoRespawnWhileDraining(t *testing.T) {
	jobs := job.NewSet()
	registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 1})
	m, forker, _ := newTestMaster(t, jobs)

	if err := m.spawnBaseline(); err != nil {
		t.Fatal(err)
	}
	m.beginDrain()

	if err := m.reap(exitEvent{pid: forker.spawns[0].pid, topic: "mail"}); err != nil {
		t.Fatal(err)
	}
	if got := len(forker.spawns); got != 1 {
		t.Errorf("worker respawned during drain, forks = %d", got)
	}
}

func TestBeginDrainForwardsSignal(t *testing.T) {
	jobs := job.NewSet()
	registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 2})
	m, forker, killer := newTestMaster(t, jobs)

	if err := m.spawnBaseline(); err != nil {
		t.Fatal(err)
	}
	m.beginDrain()
	m.beginDrain() // idempotent

	for _, s := range forker.spawns {
		if !killer.signalled(s.pid) {
			t.Errorf("worker %d did not receive the drain signal", s.pid)
		}
	}
	killer.mu.Lock()
	sent := len(killer.sent)
	killer.mu.Unlock()
	if sent != 2 {
		t.Errorf("drain signal sent %d times, want 2", sent)
	}
}

func TestAutoscaleGate(t *testing.T) {
	cases := []struct {
		name      string
		job       job.Job
		backlog   int64
		preSpawn  int  // extra dynamic workers already live
		wantBurst bool
	}{
		{
			name:      "fires above threshold",
			job:       job.Job{Topic: "t", StaticWorkerCount: 1, DynamicWorkerCount: 2, HealthQueueLength: 10},
			backlog:   25,
			wantBurst: true,
		},
		{
			name:    "threshold zero disables autoscaling",
			job:     job.Job{Topic: "t", StaticWorkerCount: 1, DynamicWorkerCount: 2},
			backlog: 1000,
		},
		{
			name:    "backlog at threshold does not fire",
			job:     job.Job{Topic: "t", StaticWorkerCount: 1, DynamicWorkerCount: 2, HealthQueueLength: 10},
			backlog: 10,
		},
		{
			name:     "live dynamic workers suppress a second burst",
			job:      job.Job{Topic: "t", StaticWorkerCount: 1, DynamicWorkerCount: 2, HealthQueueLength: 10},
			backlog:  25,
			preSpawn: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			jobs := job.NewSet()
			j := registered(jobs, &tc.job)
			m, forker, _ := newTestMaster(t, jobs)
			m.backlog = func(context.Context, *job.Job) (int64, error) { return tc.backlog, nil }

			if err := m.spawnBaseline(); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < tc.preSpawn; i++ {
				if err := m.spawnWorker(j, true); err != nil {
					t.Fatal(err)
				}
			}
			before := forker.count("t", true)

			m.autoscale(context.Background())

			burst := forker.count("t", true) - before
			if tc.wantBurst && burst != j.DynamicWorkerCount {
				t.Errorf("burst = %d, want %d", burst, j.DynamicWorkerCount)
			}
			if !tc.wantBurst && burst != 0 {
				t.Errorf("unexpected burst of %d workers", burst)
			}
		})
	}
}

func TestAutoscaleSkipsProbeErrors(t *testing.T) {
	jobs := job.NewSet()
	registered(jobs, &job.Job{Topic: "t", StaticWorkerCount: 1, DynamicWorkerCount: 2, HealthQueueLength: 1})
	m, forker, _ := newTestMaster(t, jobs)
	m.backlog = func(context.Context, *job.Job) (int64, error) {
		return 0, errors.New("backend unreachable")
	}

	m.autoscale(context.Background())
	if got := forker.count("t", true); got != 0 {
		t.Errorf("autoscaler fired despite probe failure, forks = %d", got)
	}
}

func TestManagerDrainCompletes(t *testing.T) {
	jobs := job.NewSet()
	registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 2})
	m, forker, _ := newTestMaster(t, jobs)

	if err := m.spawnBaseline(); err != nil {
		t.Fatal(err)
	}

	svc := &managerService{m}
	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()

	// External drain request arrives...
	m.sigs <- syscall.SIGUSR1
	// ...and both children exit in their own time.
	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, s := range forker.spawns {
			m.exits <- exitEvent{pid: s.pid, topic: s.topic}
		}
	}()

	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
			t.Errorf("drain should terminate the tree, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not finish draining")
	}
	if got := m.liveWorkers(); got != 0 {
		t.Errorf("liveWorkers = %d after drain, want 0", got)
	}
}

func TestManagerTreatsForkFailureAsFatal(t *testing.T) {
	jobs := job.NewSet()
	registered(jobs, &job.Job{Topic: "mail", StaticWorkerCount: 1})
	m, forker, _ := newTestMaster(t, jobs)

	if err := m.spawnBaseline(); err != nil {
		t.Fatal(err)
	}

	svc := &managerService{m}
	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()

	// The next fork fails, so the reap's respawn cannot proceed.
	forker.mu.Lock()
	forker.fail = true
	forker.mu.Unlock()
	m.exits <- exitEvent{pid: forker.spawns[0].pid, topic: "mail"}

	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
			t.Errorf("expected tree termination, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop after fork failure")
	}
	if _, ok := m.fatal.Load().(error); !ok {
		t.Error("fork failure not recorded as fatal")
	}
}

func TestHealthSelfSignalsOnPIDFileMismatch(t *testing.T) {
	jobs := job.NewSet()
	m, _, killer := newTestMaster(t, jobs)

	// The registry never names this master (file absent), which is exactly
	// what an external `stop` writing 0 looks like.
	svc := &healthService{m}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		if killer.signalled(m.pid) {
			cancel()
			<-done
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("health monitor never self-delivered the drain signal")
}

func TestHealthLeavesMatchingPIDFileAlone(t *testing.T) {
	jobs := job.NewSet()
	m, _, killer := newTestMaster(t, jobs)
	if err := m.registry.WriteMaster(m.pid); err != nil {
		t.Fatal(err)
	}

	svc := &healthService{m}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = svc.Serve(ctx)

	if killer.signalled(m.pid) {
		t.Error("health monitor drained a master whose PID file matches")
	}
}

func TestRunWritesPIDFile(t *testing.T) {
	jobs := job.NewSet()
	m, _, _ := newTestMaster(t, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.registry.ReadLiveMaster() == os.Getpid() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.registry.ReadLiveMaster(); got != os.Getpid() {
		t.Errorf("registry reports %d, want %d", got, os.Getpid())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on cancel-driven drain", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
