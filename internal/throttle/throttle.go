// Package throttle wraps remote API invocations with a shared rate limit
// and bounded, jittered retries. Cloud pollers multiply quickly: every
// in-flight task polls its job, and an unthrottled engine runs straight
// into provider quotas.
package throttle

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied by New for unset Config fields.
const (
	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 10
	DefaultMaxRetries        = 3
	DefaultRetryBase         = 500 * time.Millisecond
	DefaultRetryCap          = 10 * time.Second
)

// Config tunes an Invoker.
type Config struct {
	// RequestsPerSecond caps the steady-state call rate.
	RequestsPerSecond float64

	// Burst allows short spikes above the steady rate.
	Burst int

	// MaxRetries bounds retry attempts per invocation.
	MaxRetries int

	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration

	// RetryCap bounds a single backoff delay.
	RetryCap time.Duration

	// Retryable classifies errors worth retrying. Nil never retries.
	Retryable func(error) bool
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = DefaultRetryCap
	}
	return c
}

// Invoker serializes remote calls through a token bucket and retries the
// transient failures its classifier recognizes. One Invoker is shared by
// every handler of a cloud executor so the limit covers the whole process.
type Invoker struct {
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// New builds an Invoker from cfg, filling unset fields with defaults.
func New(cfg Config, logger *slog.Logger) *Invoker {
	cfg = cfg.withDefaults()
	return &Invoker{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

// Do runs fn under the rate limit, retrying retryable failures with doubled,
// jittered delays. op names the call in logs and metrics.
func (iv *Invoker) Do(ctx context.Context, op string, fn func() error) error {
	delay := iv.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		waitStart := time.Now()
		if err := iv.limiter.Wait(ctx); err != nil {
			return err
		}
		throttleWait.WithLabelValues(op).Observe(time.Since(waitStart).Seconds())

		err := fn()
		if err == nil {
			callsTotal.WithLabelValues(op, outcomeOK).Inc()
			return nil
		}
		if iv.cfg.Retryable == nil || !iv.cfg.Retryable(err) || attempt >= iv.cfg.MaxRetries {
			callsTotal.WithLabelValues(op, outcomeError).Inc()
			return err
		}
		callsTotal.WithLabelValues(op, outcomeRetry).Inc()

		// Full jitter keeps concurrent pollers from retrying in lockstep.
		sleep := time.Duration(rand.Int64N(int64(delay)))
		iv.logger.Warn("retrying remote call",
			"op", op, "attempt", attempt+1, "delay", sleep, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		if delay *= 2; delay > iv.cfg.RetryCap {
			delay = iv.cfg.RetryCap
		}
	}
}
