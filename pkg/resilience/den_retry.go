// Package resilience provides fault tolerance patterns for remote calls:
// retry with backoff, circuit breaking, request deduplication and batching.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"

	"hackerden/pkg/apperr"
)

// Operation is a remote call that may be attempted more than once.
type Operation[T any] func(ctx context.Context) (T, error)

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig is a value type. Copies are independent.
type RetryConfig struct {
	MaxRetries    int           // Retries after the first attempt (default: 3)
	BaseDelay     time.Duration // default: 1s
	MaxDelay      time.Duration // default: 10s
	BackoffFactor float64       // default: 2

	// RetryCondition decides whether a failed attempt is retried.
	// nil uses apperr.IsRetryable.
	RetryCondition func(error) bool

	// OnRetry is called before each delay with the upcoming attempt number.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

// jitter returns a value in [0, 1).
var jitter = rand.Float64

// NominalDelay is the pre-jitter delay before retry n (n >= 1):
// min(BaseDelay * BackoffFactor^n, MaxDelay).
func (c RetryConfig) NominalDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(n))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay is NominalDelay plus up to 10% jitter. Jitter only adds.
func (c RetryConfig) Delay(n int) time.Duration {
	nominal := c.NominalDelay(n)
	return nominal + time.Duration(float64(nominal)*0.1*jitter())
}

// Backoff returns a fresh go-retry backoff yielding Delay(1), Delay(2), ...
// and stopping after MaxRetries.
func (c RetryConfig) Backoff() retry.Backoff {
	n := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return c.Delay(n), false
	})
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), next)
}

func (c RetryConfig) shouldRetry(err error) bool {
	if apperr.CodeOf(err) == apperr.CodeCircuitOpen {
		// An open breaker is never retried by the same call.
		return false
	}
	if c.RetryCondition != nil {
		return c.RetryCondition(err)
	}
	return apperr.IsRetryable(err)
}

// =============================================================================
// WithRetry
// =============================================================================

// WithRetry attempts op up to MaxRetries+1 times and returns the last error
// unchanged when attempts run out or the retry condition rejects it.
// Cancelling ctx abandons any pending delay and returns ctx.Err().
func WithRetry[T any](ctx context.Context, op Operation[T], cfg RetryConfig) (T, error) {
	var (
		result  T
		lastErr error
		attempt int
	)

	b := cfg.Backoff()
	if cfg.OnRetry != nil {
		b = withNotify(b, func(d time.Duration) {
			cfg.OnRetry(attempt+1, d, lastErr)
		})
	}

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		v, err := op(ctx)
		if err == nil {
			result = v
			lastErr = nil
			return nil
		}
		lastErr = err
		if !cfg.shouldRetry(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return result, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		return zero, ctxErr
	}
	if lastErr != nil {
		return zero, lastErr
	}
	return zero, err
}

// withNotify calls fn with every delay the wrapped backoff hands out.
func withNotify(b retry.Backoff, fn func(time.Duration)) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if !stop {
			fn(d)
		}
		return d, stop
	})
}
