package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hackerden/pkg/apperr"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int32

const (
	StateClosed   CircuitState = iota // Normal operation, requests pass through
	StateOpen                         // Circuit open, requests fail immediately
	StateHalfOpen                     // One trial request decides recovery
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string        // Name for logging/metrics
	FailureThreshold int           // Consecutive failures before opening (default: 5)
	RecoveryTimeout  time.Duration // Time after the last failure before a trial (default: 60s)
	MonitoringPeriod time.Duration // Window for Stats().RecentFailures (default: 120s)
	Logger           zerolog.Logger
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 120 * time.Second,
	}
}

// CircuitBreaker implements a three-state circuit breaker. The failure count
// is consecutive and is cleared only by a success or Reset.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	monitoringPeriod time.Duration
	log              zerolog.Logger

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	lastFailure   time.Time
	trialInFlight bool
	recent        []time.Time
	rejected      int64

	// Callbacks for monitoring
	onStateChange func(name string, from, to CircuitState)

	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = def.MonitoringPeriod
	}

	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		monitoringPeriod: cfg.MonitoringPeriod,
		log:              cfg.Logger.With().Str("component", "circuit_breaker").Str("breaker", cfg.Name).Logger(),
		state:            StateClosed,
		now:              time.Now,
	}
}

// OnStateChange sets a callback for state changes. It runs outside the lock.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn with circuit breaker protection. A rejected call returns an
// *apperr.AppError with code CIRCUIT_BREAKER_OPEN and fn is not invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(trial, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(trial, err)
	return err
}

// Guard is Execute for operations that return a value.
func Guard[T any](ctx context.Context, cb *CircuitBreaker, op Operation[T]) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// beforeRequest admits or rejects a call. trial reports whether the call is
// the single HALF_OPEN trial.
func (cb *CircuitBreaker) beforeRequest() (trial bool, err error) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.recoveryTimeout {
			notify := cb.setStateLocked(StateHalfOpen)
			cb.trialInFlight = true
			cb.mu.Unlock()
			notify()
			return true, nil
		}

	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			cb.mu.Unlock()
			return true, nil
		}
	}

	cb.rejected++
	cb.mu.Unlock()
	cb.log.Debug().Msg("call rejected")
	return false, apperr.CircuitOpen(cb.name)
}

// afterRequest updates state based on result.
func (cb *CircuitBreaker) afterRequest(trial bool, err error) {
	cb.mu.Lock()
	notify := func() {}

	if trial {
		cb.trialInFlight = false
	}

	if err != nil {
		now := cb.now()
		cb.failureCount++
		cb.lastFailure = now
		cb.recent = append(cb.pruneLocked(now), now)

		switch {
		case trial:
			notify = cb.setStateLocked(StateOpen)
		case cb.state == StateClosed && cb.failureCount >= cb.failureThreshold:
			notify = cb.setStateLocked(StateOpen)
		}
	} else {
		cb.failureCount = 0
		if trial || cb.state == StateHalfOpen {
			notify = cb.setStateLocked(StateClosed)
		}
	}

	cb.mu.Unlock()
	notify()
}

// setStateLocked records the transition and returns the notification to run
// once the lock is released.
func (cb *CircuitBreaker) setStateLocked(newState CircuitState) func() {
	oldState := cb.state
	if oldState == newState {
		return func() {}
	}
	cb.state = newState
	callback := cb.onStateChange
	failures := cb.failureCount

	return func() {
		cb.log.Info().
			Str("from", oldState.String()).
			Str("to", newState.String()).
			Int("failures", failures).
			Msg("circuit breaker state changed")
		if callback != nil {
			callback(cb.name, oldState, newState)
		}
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.monitoringPeriod)
	i := 0
	for i < len(cb.recent) && !cb.recent[i].After(cutoff) {
		i++
	}
	return cb.recent[i:]
}

// Reset forces the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.setStateLocked(StateClosed)
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.recent = nil
	cb.mu.Unlock()
	notify()
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	Name           string
	State          string
	Failures       int
	RecentFailures int // failures within the monitoring period
	LastFailure    time.Time
	Rejected       int64
	TrialInFlight  bool
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.recent = cb.pruneLocked(cb.now())
	return CircuitBreakerStats{
		Name:           cb.name,
		State:          cb.state.String(),
		Failures:       cb.failureCount,
		RecentFailures: len(cb.recent),
		LastFailure:    cb.lastFailure,
		Rejected:       cb.rejected,
		TrialInFlight:  cb.trialInFlight,
	}
}
