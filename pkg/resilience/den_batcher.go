package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBatchWindow is how long the first item of a batch waits for company.
const DefaultBatchWindow = 50 * time.Millisecond

// BatchProcessor handles one batch. It must return one result per item, in
// item order.
type BatchProcessor[I, R any] func(ctx context.Context, items []I) ([]R, error)

type batchReply[R any] struct {
	val R
	err error
}

type pendingBatch[I, R any] struct {
	items   []I
	waiters []chan batchReply[R]
}

// =============================================================================
// Batcher
// =============================================================================

// Batcher groups items that share a key within a time window and hands them
// to the processor as one call. Keys are independent.
type Batcher[I, R any] struct {
	name    string
	window  time.Duration
	process BatchProcessor[I, R]
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingBatch[I, R]

	onFlush func(size int)
}

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	Name   string
	Window time.Duration // default: 50ms
	Logger zerolog.Logger
	// OnFlush observes the size of every dispatched batch.
	OnFlush func(size int)
}

// NewBatcher creates a batcher that dispatches to process.
func NewBatcher[I, R any](cfg BatcherConfig, process BatchProcessor[I, R]) *Batcher[I, R] {
	if cfg.Window <= 0 {
		cfg.Window = DefaultBatchWindow
	}
	return &Batcher[I, R]{
		name:    cfg.Name,
		window:  cfg.Window,
		process: process,
		log:     cfg.Logger.With().Str("component", "batcher").Str("batcher", cfg.Name).Logger(),
		pending: make(map[string]*pendingBatch[I, R]),
		onFlush: cfg.OnFlush,
	}
}

// Batch queues item under key and waits for its positional result. A caller
// whose ctx ends stops waiting; the batch still runs for everyone else.
func (b *Batcher[I, R]) Batch(ctx context.Context, key string, item I) (R, error) {
	reply := make(chan batchReply[R], 1)

	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok {
		pb = &pendingBatch[I, R]{}
		b.pending[key] = pb
		time.AfterFunc(b.window, func() { b.flush(key) })
	}
	pb.items = append(pb.items, item)
	pb.waiters = append(pb.waiters, reply)
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	case r := <-reply:
		return r.val, r.err
	}
}

func (b *Batcher[I, R]) flush(key string) {
	b.mu.Lock()
	pb, ok := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()

	if !ok || len(pb.items) == 0 {
		return
	}
	if b.onFlush != nil {
		b.onFlush(len(pb.items))
	}

	results, err := b.run(pb.items)
	if err == nil && len(results) != len(pb.items) {
		err = fmt.Errorf("batch %s: processor returned %d results for %d items", key, len(results), len(pb.items))
	}
	if err != nil {
		b.log.Warn().Err(err).Str("key", key).Int("size", len(pb.items)).Msg("batch failed")
		for _, w := range pb.waiters {
			w <- batchReply[R]{err: err}
		}
		return
	}

	for i, w := range pb.waiters {
		w <- batchReply[R]{val: results[i]}
	}
}

func (b *Batcher[I, R]) run(items []I) (results []R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch processor panic: %v", r)
		}
	}()
	return b.process(context.Background(), items)
}

// Pending returns the number of keys with an open window.
func (b *Batcher[I, R]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
