package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hackerden/pkg/apperr"
	"hackerden/pkg/metrics"
)

// =============================================================================
// Executor
// =============================================================================

// ExecutorConfig wires the stages an Executor runs a remote call through.
type ExecutorConfig struct {
	Retry    RetryConfig
	Breaker  *CircuitBreaker // optional, may be shared between executors
	DedupTTL time.Duration   // TTL for RunShared results (default: 5s)
	Metrics  *metrics.Collector
	Latency  *metrics.LatencyRegistry
	Logger   zerolog.Logger
}

// Executor is the classification boundary for remote calls. Each attempt
// passes the breaker, failed attempts are retried by the retry policy, and
// the final failure is classified exactly once.
type Executor struct {
	retry   RetryConfig
	breaker *CircuitBreaker
	dedup   *Deduplicator[any]
	metrics *metrics.Collector
	latency *metrics.LatencyRegistry
	log     zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		retry:   cfg.Retry,
		breaker: cfg.Breaker,
		dedup:   NewDeduplicator[any](cfg.DedupTTL),
		metrics: cfg.Metrics,
		latency: cfg.Latency,
		log:     cfg.Logger.With().Str("component", "executor").Logger(),
	}
	e.dedup.OnShared(func() { e.metrics.IncDedupShared("executor") })
	return e
}

// Breaker returns the breaker guarding attempts, or nil.
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// ClearShared drops every deduplicated result held by RunShared.
func (e *Executor) ClearShared() {
	e.dedup.Clear()
}

// Run executes op under the executor's policy. A failure is returned as an
// *apperr.ClassifiedError.
func Run[T any](ctx context.Context, e *Executor, operation string, op Operation[T]) (T, error) {
	start := time.Now()
	log := e.log.With().Str("operation", operation).Logger()

	attempt := op
	if e.breaker != nil {
		attempt = func(ctx context.Context) (T, error) {
			return Guard(ctx, e.breaker, op)
		}
	}

	cfg := e.retry
	userOnRetry := cfg.OnRetry
	cfg.OnRetry = func(n int, delay time.Duration, err error) {
		e.metrics.IncRetry(operation)
		log.Debug().Err(err).Int("attempt", n).Dur("delay", delay).Msg("retrying")
		if userOnRetry != nil {
			userOnRetry(n, delay, err)
		}
	}

	result, err := WithRetry(ctx, attempt, cfg)
	elapsed := time.Since(start)
	if e.latency != nil {
		e.latency.Record(operation, elapsed)
	}

	if err == nil {
		e.metrics.ObserveOperation(operation, metrics.OutcomeSuccess, "", elapsed)
		return result, nil
	}

	classified := apperr.NewClassified(err)
	outcome := metrics.OutcomeFailure
	if classified.Code == apperr.CodeCircuitOpen {
		outcome = metrics.OutcomeRejected
		if e.breaker != nil {
			e.metrics.IncBreakerRejection(e.breaker.Name())
		}
	}
	e.metrics.ObserveOperation(operation, outcome, string(classified.Type), elapsed)

	log.Warn().
		Err(err).
		Str("error_type", string(classified.Type)).
		Bool("retryable", classified.Retryable).
		Dur("elapsed", elapsed).
		Msg("remote operation failed")

	var zero T
	return zero, classified
}

// RunShared is Run with calls sharing key coalesced into one execution whose
// outcome is reused for the dedup TTL.
func RunShared[T any](ctx context.Context, e *Executor, operation, key string, op Operation[T]) (T, error) {
	v, err := e.dedup.Do(ctx, operation+"|"+key, func(ctx context.Context) (any, error) {
		return Run(ctx, e, operation, op)
	})
	if err != nil {
		var zero T
		return zero, apperr.NewClassified(err)
	}
	result, _ := v.(T)
	return result, nil
}
