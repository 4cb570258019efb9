// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

package procqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/procqueue/internal/config"
	"github.com/tomtom215/procqueue/internal/queue"
)

func testApp(t *testing.T) (*App, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg := &config.Config{
		RuntimeDir: t.TempDir(),
		Queue:      queue.Config{Addr: srv.Addr()},
	}
	return New(cfg), srv
}

func TestRegisterAndDeliver(t *testing.T) {
	ctx := context.Background()
	app, srv := testApp(t)

	app.Register(Job{Topic: "mail"})
	require.True(t, app.Deliver(ctx, "mail", "hello", 0))

	got, err := srv.List("mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, got)
}

func TestDeliverUnknownTopic(t *testing.T) {
	app, _ := testApp(t)
	assert.False(t, app.Deliver(context.Background(), "ghost", "p", 0))
}

func TestDelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	app, _ := testApp(t)

	app.Register(Job{Topic: "reminders", Delay: true})

	eligible := time.Now().Add(time.Hour).Unix()
	require.True(t, app.Deliver(ctx, "reminders", "ping", eligible))
	assert.True(t, app.RevokeDelay(ctx, "reminders", "ping"))
	assert.False(t, app.RevokeDelay(ctx, "reminders", "ping"))
}

func TestRevokeDelayOnFIFO(t *testing.T) {
	ctx := context.Background()
	app, _ := testApp(t)

	app.Register(Job{Topic: "mail"})
	require.True(t, app.Deliver(ctx, "mail", "p", 0))
	assert.False(t, app.RevokeDelay(ctx, "mail", "p"))
}

func TestTopicQueueOverride(t *testing.T) {
	ctx := context.Background()
	app, _ := testApp(t)
	other := miniredis.RunT(t)

	app.Register(Job{Topic: "special", Queue: QueueConfig{Addr: other.Addr()}})
	require.True(t, app.Deliver(ctx, "special", "p", 0))

	got, err := other.List("special")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRegisterIgnoresEmptyTopic(t *testing.T) {
	app, _ := testApp(t)
	app.Register(Job{})
	assert.False(t, app.Deliver(context.Background(), "", "p", 0))
}
