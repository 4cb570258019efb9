// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func testAdapter(t *testing.T, delay bool) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	a := New(Config{Addr: srv.Addr()}, delay)
	t.Cleanup(func() { _ = a.Close() })
	return a, srv
}

func TestFIFORoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _ := testAdapter(t, false)

	for _, p := range []string{"a", "b", "c"} {
		if err := a.Deliver(ctx, "jobs", p, 0); err != nil {
			t.Fatalf("deliver %q: %v", p, err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		payload, ok, err := a.Pop(ctx, "jobs", time.Second)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("pop %d: expected a payload", i)
		}
		got = append(got, payload)
	}

	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order broken: got %v, want %v", got, want)
			break
		}
	}
}

func TestFIFOPopEmpty(t *testing.T) {
	ctx := context.Background()
	a, _ := testAdapter(t, false)

	payload, ok, err := a.Pop(ctx, "jobs", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if ok || payload != "" {
		t.Errorf("expected empty poll, got %q", payload)
	}
}

func TestFIFOSize(t *testing.T) {
	ctx := context.Background()
	a, _ := testAdapter(t, false)

	for i := 0; i < 4; i++ {
		if err := a.Deliver(ctx, "jobs", "p", 0); err != nil {
			t.Fatal(err)
		}
	}
	n, err := a.Size(ctx, "jobs")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 4 {
		t.Errorf("expected backlog 4, got %d", n)
	}
}

func TestDelayEligibility(t *testing.T) {
	ctx := context.Background()
	a, _ := testAdapter(t, true)

	future := time.Now().Add(time.Hour).Unix()
	if err := a.Deliver(ctx, "sched", "later", future); err != nil {
		t.Fatal(err)
	}

	t.Run("future member never fires early", func(t *testing.T) {
		payload, ok, err := a.Pop(ctx, "sched", 10*time.Millisecond)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if ok {
			t.Errorf("future-dated payload returned early: %q", payload)
		}
	})

	t.Run("future member does not count toward backlog", func(t *testing.T) {
		n, err := a.Size(ctx, "sched")
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("expected 0 eligible, got %d", n)
		}
	})

	t.Run("eligible member fires once", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).Unix()
		if err := a.Deliver(ctx, "sched", "due", past); err != nil {
			t.Fatal(err)
		}
		payload, ok, err := a.Pop(ctx, "sched", 10*time.Millisecond)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok || payload != "due" {
			t.Fatalf("expected %q, got %q (ok=%v)", "due", payload, ok)
		}
		// The claim deleted it; the next poll finds only the future member.
		_, ok, err = a.Pop(ctx, "sched", 10*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("claimed payload returned twice")
		}
	})
}

func TestDelayOldestFirst(t *testing.T) {
	ctx := context.Background()
	a, _ := testAdapter(t, true)

	now := time.Now().Unix()
	if err := a.Deliver(ctx, "sched", "second", now-10); err != nil {
		t.Fatal(err)
	}
	if err := a.Deliver(ctx, "sched", "first", now-20); err != nil {
		t.Fatal(err)
	}

	payload, ok, err := a.Pop(ctx, "sched", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if payload != "first" {
		t.Errorf("expected oldest eligibility first, got %q", payload)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("fifo revoke is a no-op", func(t *testing.T) {
		a, _ := testAdapter(t, false)
		if err := a.Deliver(ctx, "jobs", "p", 0); err != nil {
			t.Fatal(err)
		}
		ok, err := a.Revoke(ctx, "jobs", "p")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("revoke must report false for FIFO topics")
		}
	})

	t.Run("delay revoke removes by value", func(t *testing.T) {
		a, _ := testAdapter(t, true)
		past := time.Now().Add(-time.Minute).Unix()
		if err := a.Deliver(ctx, "sched", "doomed", past); err != nil {
			t.Fatal(err)
		}
		ok, err := a.Revoke(ctx, "sched", "doomed")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("expected revoke of a present member to succeed")
		}
		n, err := a.Size(ctx, "sched")
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("revoked member still counted, backlog %d", n)
		}
	})

	t.Run("delay revoke of an absent member reports false", func(t *testing.T) {
		a, _ := testAdapter(t, true)
		ok, err := a.Revoke(ctx, "sched", "ghost")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("expected false for an absent member")
		}
	})
}

func TestReconnectAfterRestart(t *testing.T) {
	ctx := context.Background()
	a, srv := testAdapter(t, false)

	if err := a.Deliver(ctx, "jobs", "before", 0); err != nil {
		t.Fatal(err)
	}

	// Bounce the backend on the same address. The adapter's next operation
	// hits a dead socket and must recover by reconnecting. Restart keeps
	// the store, so both deliveries survive.
	if err := srv.Restart(); err != nil {
		t.Fatalf("restart backend: %v", err)
	}

	if err := a.Deliver(ctx, "jobs", "after", 0); err != nil {
		t.Fatalf("deliver after restart: %v", err)
	}
	n, err := a.Size(ctx, "jobs")
	if err != nil {
		t.Fatalf("size after restart: %v", err)
	}
	if n != 2 {
		t.Errorf("expected backlog 2 after restart, got %d", n)
	}
}

func TestHardErrorWhenBackendGone(t *testing.T) {
	ctx := context.Background()
	a, srv := testAdapter(t, false)

	if err := a.Deliver(ctx, "jobs", "p", 0); err != nil {
		t.Fatal(err)
	}
	srv.Close()

	if err := a.Deliver(ctx, "jobs", "q", 0); err == nil {
		t.Error("expected a hard error once the backend is unreachable")
	}
}

func TestConnectSelectsDatabase(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	a := New(Config{Addr: srv.Addr(), DB: 3}, false)
	defer a.Close()

	if err := a.Deliver(ctx, "jobs", "p", 0); err != nil {
		t.Fatal(err)
	}

	srv.DB(3)
	if got, err := srv.DB(3).List("jobs"); err != nil || len(got) != 1 {
		t.Errorf("payload not in database 3: %v (err=%v)", got, err)
	}
	if got, _ := srv.DB(0).List("jobs"); len(got) != 0 {
		t.Errorf("payload leaked into database 0: %v", got)
	}
}
