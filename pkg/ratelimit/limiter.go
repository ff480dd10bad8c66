// Package ratelimit enforces fixed-window per-identity request limits on
// a Redis counter backend.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/propengine/kbengine/pkg/config"
)

// Decision is the outcome of one rate-limit check. It carries everything
// the transport needs for the X-RateLimit-* headers.
type Decision struct {
	Allowed     bool
	Limit       int
	Remaining   int
	ResetEpochS int64
}

// ResetInSeconds returns the seconds until the window resets, never
// negative.
func (d Decision) ResetInSeconds() int64 {
	if remaining := d.ResetEpochS - time.Now().Unix(); remaining > 0 {
		return remaining
	}
	return 0
}

// Limiter counts requests per (class, identity) in fixed windows. The
// first increment of a window sets its expiration; the count and the TTL
// travel in one pipelined round-trip.
type Limiter struct {
	rdb     redis.UniversalClient
	cfg     config.RateLimitConfig
	timeout time.Duration
}

// NewLimiter creates a limiter on the given Redis client.
func NewLimiter(rdb redis.UniversalClient, cfg config.RateLimitConfig, timeout time.Duration) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, timeout: timeout}
}

// Check counts this request against the identity's window. When the
// backend is unreachable the check denies (fail-closed) unless the
// configuration explicitly opted into fail-open.
func (l *Limiter) Check(ctx context.Context, identity, class string) Decision {
	window := l.cfg.Class(class)
	key := fmt.Sprintf("ratelimit:%s:%s", class, identity)

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(cctx, key)
	ttl := pipe.TTL(cctx, key)
	if _, err := pipe.Exec(cctx); err != nil {
		return l.backendDown(err, window)
	}

	count := incr.Val()
	remaining := ttl.Val()
	if count == 1 || remaining < 0 {
		// First hit of the window (or a counter left without expiry by an
		// earlier partial failure): start the window now.
		if err := l.rdb.Expire(cctx, key, window.Window).Err(); err != nil {
			return l.backendDown(err, window)
		}
		remaining = window.Window
	}

	d := Decision{
		Limit:       window.Limit,
		Allowed:     count <= int64(window.Limit),
		ResetEpochS: time.Now().Add(remaining).Unix(),
	}
	if left := int64(window.Limit) - count; left > 0 {
		d.Remaining = int(left)
	}
	return d
}

func (l *Limiter) backendDown(err error, window config.RateLimitClass) Decision {
	slog.Error("Rate-limit backend unreachable", "error", err, "fail_closed", l.cfg.FailsClosed())
	return Decision{
		Allowed:     !l.cfg.FailsClosed(),
		Limit:       window.Limit,
		ResetEpochS: time.Now().Add(window.Window).Unix(),
	}
}
