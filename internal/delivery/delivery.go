// Package delivery sends payloads to Readwise, pacing each endpoint on its own
// and retrying transient failures.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"readwise-autosave/internal/metrics"
	"readwise-autosave/internal/ratelimiter"
	"readwise-autosave/internal/readwise"
	"time"
)

type Outcome int

const (
	Delivered Outcome = iota
	RateLimited
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RateLimited:
		return "rate_limited"
	case Rejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Handled reports whether the item is settled and must be marked processed.
func (o Outcome) Handled() bool {
	return o == Delivered || o == Rejected
}

type Result struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

type Saver interface {
	Save(ctx context.Context, apiKey string, p readwise.Payload) error
}

type Limiter interface {
	Wait(ctx context.Context, key string, limit ratelimiter.Limit) error
	Suspend(key string, d time.Duration)
	SuspendedUntil(key string) time.Time
}

type Options struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxRateLimitWaits int
	Limits            map[readwise.Endpoint]ratelimiter.Limit
}

type Client struct {
	saver   Saver
	limiter Limiter
	opts    Options
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(saver Saver, limiter Limiter, opts Options, m *metrics.Metrics, log *slog.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxRateLimitWaits < 0 {
		opts.MaxRateLimitWaits = 0
	}

	return &Client{saver: saver, limiter: limiter, opts: opts, metrics: m, log: log}
}

// GateKey is the limiter key of one Readwise account and endpoint.
func GateKey(apiKey string, endpoint readwise.Endpoint) string {
	return readwise.KeyFingerprint(apiKey) + ":" + string(endpoint)
}

// Deliver saves p. A rate limit suspends only p's endpoint for this API key;
// callers of the other endpoint keep going. Once MaxRateLimitWaits is spent,
// a payload for a suspended endpoint comes back RateLimited without waiting
// out the suspension.
func (c *Client) Deliver(ctx context.Context, apiKey string, p readwise.Payload) Result {
	endpoint := p.Endpoint()
	key := GateKey(apiKey, endpoint)
	limit := c.opts.Limits[endpoint]

	var (
		res   Result
		waits int
	)

	for {
		if waits >= c.opts.MaxRateLimitWaits {
			if until := c.limiter.SuspendedUntil(key); !until.IsZero() {
				res.Outcome, res.RetryAfter = RateLimited, time.Until(until)
				return c.finish(ctx, endpoint, p, res)
			}
		}

		if err := c.limiter.Wait(ctx, key, limit); err != nil {
			res.Outcome, res.Err = Failed, err
			return c.finish(ctx, endpoint, p, res)
		}

		res.Attempts++

		err := c.saver.Save(ctx, apiKey, p)
		if err == nil {
			res.Outcome, res.Err = Delivered, nil
			return c.finish(ctx, endpoint, p, res)
		}

		res.Err = err

		var rwErr *readwise.Error
		if errors.As(err, &rwErr) {
			if rwErr.RateLimited() {
				c.limiter.Suspend(key, rwErr.RetryAfter)
				c.metrics.Suspension(string(endpoint))
				c.log.WarnContext(ctx, "Readwise endpoint is rate limited",
					"endpoint", endpoint,
					"retryAfter", rwErr.RetryAfter,
					"waits", waits)

				if waits >= c.opts.MaxRateLimitWaits {
					res.Outcome, res.RetryAfter = RateLimited, rwErr.RetryAfter
					return c.finish(ctx, endpoint, p, res)
				}

				waits++

				continue
			}

			if !rwErr.Transient() {
				res.Outcome = Rejected
				return c.finish(ctx, endpoint, p, res)
			}
		}

		if ctx.Err() != nil || res.Attempts >= c.opts.MaxAttempts {
			res.Outcome = Failed
			return c.finish(ctx, endpoint, p, res)
		}

		delay := c.retryDelay(res.Attempts)
		c.log.InfoContext(ctx, "Retrying Readwise delivery",
			"error", err,
			"endpoint", endpoint,
			"attempt", res.Attempts,
			"delay", delay)

		if err = sleep(ctx, delay); err != nil {
			res.Outcome = Failed
			return c.finish(ctx, endpoint, p, res)
		}
	}
}

func (c *Client) finish(ctx context.Context, endpoint readwise.Endpoint, p readwise.Payload, res Result) Result {
	c.metrics.Delivery(string(endpoint), res.Outcome.String())

	switch res.Outcome {
	case Delivered:
		c.log.DebugContext(ctx, "Payload is delivered",
			"endpoint", endpoint,
			"key", p.Key(),
			"attempts", res.Attempts)
	case Rejected:
		c.log.ErrorContext(ctx, "Readwise rejected payload",
			"error", res.Err,
			"endpoint", endpoint,
			"key", p.Key())
	default:
		c.log.WarnContext(ctx, "Payload is not delivered",
			"error", res.Err,
			"endpoint", endpoint,
			"key", p.Key(),
			"outcome", res.Outcome.String(),
			"attempts", res.Attempts)
	}

	return res
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}

	return min(delay, c.opts.MaxDelay)
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
