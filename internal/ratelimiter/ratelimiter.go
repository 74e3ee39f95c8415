// Package ratelimiter paces calls per key and suspends a key after the remote
// service asks to slow down.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is the proactive budget of a key.
type Limit struct {
	PerMinute int
	Burst     int
}

func (l Limit) limiter() *rate.Limiter {
	if l.PerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(float64(l.PerMinute)/60), burst)
}

type gate struct {
	limiter        *rate.Limiter
	limited        bool
	suspendedUntil time.Time
}

// RateLimiter keeps one gate per key. Keys never block each other.
type RateLimiter struct {
	gates map[string]*gate
	mu    sync.Mutex
	now   func() time.Time
	log   *slog.Logger
}

func New(log *slog.Logger) *RateLimiter {
	return &RateLimiter{
		gates: make(map[string]*gate),
		now:   time.Now,
		log:   log,
	}
}

func (rl *RateLimiter) gate(key string, limit Limit) *gate {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	g, ok := rl.gates[key]
	if !ok {
		g = &gate{}
		rl.gates[key] = g
	}

	if !g.limited {
		g.limiter = limit.limiter()
		g.limited = true
	}

	return g
}

// Wait blocks until key is not suspended and its budget allows one call.
func (rl *RateLimiter) Wait(ctx context.Context, key string, limit Limit) error {
	g := rl.gate(key, limit)

	for {
		rl.mu.Lock()
		delay := max(g.suspendedUntil.Sub(rl.now()), 0)
		rl.mu.Unlock()

		if delay == 0 {
			break
		}

		rl.log.DebugContext(ctx, "Waiting for suspended key",
			"key", key,
			"delay", delay)

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return g.limiter.Wait(ctx)
}

// Suspend blocks key for d. A shorter suspension never cuts a longer one.
func (rl *RateLimiter) Suspend(key string, d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	g, ok := rl.gates[key]
	if !ok {
		g = &gate{}
		rl.gates[key] = g
	}

	until := rl.now().Add(d)
	if until.After(g.suspendedUntil) {
		g.suspendedUntil = until
	}
}

// SuspendedUntil returns the end of the current suspension of key, or the
// zero time when key is not suspended.
func (rl *RateLimiter) SuspendedUntil(key string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	g, ok := rl.gates[key]
	if !ok || !g.suspendedUntil.After(rl.now()) {
		return time.Time{}
	}

	return g.suspendedUntil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
