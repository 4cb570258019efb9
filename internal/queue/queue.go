// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

// Package queue abstracts the two queue shapes procqueue consumes from a
// Redis-compatible backend.
//
// A FIFO topic is a list: producers LPUSH, consumers BRPOP, so delivery
// order is list order. A delay topic is a sorted set keyed by eligibility
// time: producers ZADD with the eligibility epoch second as score, and
// consumers claim the oldest eligible member by deleting it. The delete is
// the claim: when several workers race on the same member, exactly one ZREM
// removes it and that caller wins. The losers see a removed count of zero
// and report an empty poll.
//
// Every operation runs under the same reconnect policy: connect lazily, and
// on a connection-class failure rebuild the client once and retry. A second
// connectivity failure is returned to the caller as a hard error.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// dialTimeout bounds the initial socket connect to the backend.
const dialTimeout = 3 * time.Second

// Config holds backend connection parameters for one topic. An empty Addr
// means "use the supervisor default"; validation of the default itself
// happens at config load.
type Config struct {
	// Addr is the backend host:port.
	Addr string `koanf:"addr"`

	// DB is the database index selected after connect.
	DB int `koanf:"db" validate:"gte=0"`

	// Password authenticates the connection when non-empty.
	Password string `koanf:"password"`
}

// Adapter exposes the four queue operations over one backend connection.
// Each process holds its own Adapter; handles are never shared across
// processes.
type Adapter struct {
	cfg   Config
	delay bool

	mu     sync.Mutex
	client *redis.Client
}

// New returns an unconnected Adapter. The first operation dials.
func New(cfg Config, delay bool) *Adapter {
	return &Adapter{cfg: cfg, delay: delay}
}

// IsDelay reports whether this adapter serves a delay topic.
func (a *Adapter) IsDelay() bool {
	return a.delay
}

// Close releases the underlying connection, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

// connect dials the backend and probes it before handing the client out.
func (a *Adapter) connect(ctx context.Context) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:        a.cfg.Addr,
		DB:          a.cfg.DB,
		Password:    a.cfg.Password,
		DialTimeout: dialTimeout,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("queue connect %s: %w", a.cfg.Addr, err)
	}
	return c, nil
}

func (a *Adapter) ensure(ctx context.Context) (*redis.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *Adapter) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		_ = a.client.Close()
		a.client = nil
	}
}

// withRetry runs op, reconnecting once on a connection-class failure. If the
// reconnect probe itself fails, that hard error is returned.
func (a *Adapter) withRetry(ctx context.Context, op func(c *redis.Client) error) error {
	c, err := a.ensure(ctx)
	if err != nil {
		return err
	}
	err = op(c)
	if err == nil || !isConnError(err) {
		return err
	}
	a.reset()
	c, err2 := a.ensure(ctx)
	if err2 != nil {
		return err2
	}
	return op(c)
}

// isConnError classifies failures that warrant a reconnect. Protocol errors
// and the nil-reply sentinel do not.
func isConnError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Deliver enqueues payload on topic. For FIFO topics the payload is pushed
// to the head of the list and eligibleAt is ignored. For delay topics the
// payload joins the sorted set scored by eligibleAt (epoch seconds).
func (a *Adapter) Deliver(ctx context.Context, topic, payload string, eligibleAt int64) error {
	return a.withRetry(ctx, func(c *redis.Client) error {
		if a.delay {
			return c.ZAdd(ctx, topic, redis.Z{Score: float64(eligibleAt), Member: payload}).Err()
		}
		return c.LPush(ctx, topic, payload).Err()
	})
}

// Revoke removes a not-yet-fired payload from a delay topic by value.
// It reports false for FIFO topics and for payloads that were not present.
func (a *Adapter) Revoke(ctx context.Context, topic, payload string) (bool, error) {
	if !a.delay {
		return false, nil
	}
	var removed int64
	err := a.withRetry(ctx, func(c *redis.Client) error {
		n, err := c.ZRem(ctx, topic, payload).Result()
		removed = n
		return err
	})
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// Pop returns one payload, or ok=false when nothing was available within
// timeout.
//
// FIFO: a blocking right-pop with the given timeout; the backend's timeout
// reply maps to an empty poll.
//
// Delay: inspect the oldest member eligible now and claim it by deleting it.
// A lost claim race is an empty poll. When no member is eligible, sleep the
// full timeout before reporting empty, which paces idle workers the way the
// blocking FIFO pop does.
func (a *Adapter) Pop(ctx context.Context, topic string, timeout time.Duration) (payload string, ok bool, err error) {
	if a.delay {
		return a.popDelay(ctx, topic, timeout)
	}

	var reply []string
	err = a.withRetry(ctx, func(c *redis.Client) error {
		res, err := c.BRPop(ctx, timeout, topic).Result()
		if err != nil {
			return err
		}
		reply = res
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BRPOP replies [key, value].
	if len(reply) != 2 {
		return "", false, nil
	}
	return reply[1], true, nil
}

func (a *Adapter) popDelay(ctx context.Context, topic string, timeout time.Duration) (string, bool, error) {
	var candidates []string
	err := a.withRetry(ctx, func(c *redis.Client) error {
		res, err := c.ZRangeByScore(ctx, topic, &redis.ZRangeBy{
			Min:    "0",
			Max:    strconv.FormatInt(time.Now().Unix(), 10),
			Offset: 0,
			Count:  1,
		}).Result()
		if err != nil {
			return err
		}
		candidates = res
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if len(candidates) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return "", false, nil
	}

	member := candidates[0]
	var removed int64
	err = a.withRetry(ctx, func(c *redis.Client) error {
		n, err := c.ZRem(ctx, topic, member).Result()
		removed = n
		return err
	})
	if err != nil {
		return "", false, err
	}
	if removed == 0 {
		// Another worker claimed it first.
		return "", false, nil
	}
	return member, true, nil
}

// Size returns the backlog that can be worked right now: the list length for
// FIFO topics, and the count of members eligible now for delay topics.
// Future-dated members do not count.
func (a *Adapter) Size(ctx context.Context, topic string) (int64, error) {
	var n int64
	err := a.withRetry(ctx, func(c *redis.Client) error {
		if a.delay {
			count, err := c.ZCount(ctx, topic, "0", strconv.FormatInt(time.Now().Unix(), 10)).Result()
			n = count
			return err
		}
		count, err := c.LLen(ctx, topic).Result()
		n = count
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
