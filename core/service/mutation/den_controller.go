package mutation

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"hackerden/pkg/apperr"
	"hackerden/pkg/metrics"
	"hackerden/pkg/resilience"
)

// Mutation describes one optimistic write.
type Mutation[K comparable, V any] struct {
	Key K

	// Optimistic is written before the remote call. Ignored when Remove.
	Optimistic V
	Remove     bool

	// Call performs the remote write.
	Call resilience.Operation[V]

	// Commit applies the server's answer. nil confirms the result under Key,
	// or confirms the removal when Remove is set.
	Commit func(store *Store[K, V], result V)
}

// FailureHook runs after a rollback with the classified failure.
type FailureHook func(ctx context.Context, err *apperr.ClassifiedError)

// Controller applies mutations against one store through one executor.
type Controller[K comparable, V any] struct {
	store    *Store[K, V]
	exec     *resilience.Executor
	entity   string
	metrics  *metrics.Collector
	log      zerolog.Logger
	onFailed []FailureHook
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Entity  string // label for logs and metrics, e.g. "task"
	Metrics *metrics.Collector
	Logger  zerolog.Logger
}

// NewController creates a controller.
func NewController[K comparable, V any](store *Store[K, V], exec *resilience.Executor, cfg ControllerConfig) *Controller[K, V] {
	return &Controller[K, V]{
		store:   store,
		exec:    exec,
		entity:  cfg.Entity,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With().Str("component", "mutation").Str("entity", cfg.Entity).Logger(),
	}
}

// Store returns the controlled store.
func (c *Controller[K, V]) Store() *Store[K, V] {
	return c.store
}

// OnFailure registers a hook run after every rollback. Register hooks
// before the first Apply.
func (c *Controller[K, V]) OnFailure(hook FailureHook) {
	c.onFailed = append(c.onFailed, hook)
}

// Apply runs m: snapshot, optimistic write, remote call, then commit or
// rollback. Each call holds its own snapshot; a rollback undoes only this
// call's write when other writes to the same key are still pending.
func (c *Controller[K, V]) Apply(ctx context.Context, operation string, m Mutation[K, V]) (V, error) {
	var snap Snapshot[K, V]
	if m.Remove {
		var zero V
		snap = c.store.Stage(m.Key, zero, false)
	} else {
		snap = c.store.Stage(m.Key, m.Optimistic, true)
	}

	result, err := resilience.Run(ctx, c.exec, operation, m.Call)
	if err == nil {
		c.store.Settle(snap)
		switch {
		case m.Commit != nil:
			m.Commit(c.store, result)
		case m.Remove:
			c.store.ConfirmDelete(m.Key)
		default:
			c.store.Confirm(m.Key, result)
		}
		return result, nil
	}

	restored := c.store.Restore(snap)
	c.metrics.IncRollback(c.entity)

	var ce *apperr.ClassifiedError
	if !errors.As(err, &ce) {
		ce = apperr.NewClassified(err)
	}

	c.log.Info().
		Str("operation", operation).
		Str("error_type", string(ce.Type)).
		Bool("restored", restored).
		Msg("optimistic write rolled back")

	for _, hook := range c.onFailed {
		hook(ctx, ce)
	}

	var zero V
	return zero, ce
}

// Apply runs a single mutation without a controller's hooks.
func Apply[K comparable, V any](ctx context.Context, store *Store[K, V], exec *resilience.Executor, operation string, m Mutation[K, V]) (V, error) {
	return NewController(store, exec, ControllerConfig{}).Apply(ctx, operation, m)
}
