package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultDedupTTL is how long a settled result keeps answering callers.
const DefaultDedupTTL = 5 * time.Second

// =============================================================================
// Deduplicator
// =============================================================================

type settledResult[T any] struct {
	val T
	err error
	seq uint64
}

// Deduplicator coalesces calls that share a key. Concurrent callers share one
// invocation through singleflight, and the settled outcome (value or error)
// keeps answering for ttl after it settles.
type Deduplicator[T any] struct {
	ttl   time.Duration
	group singleflight.Group

	mu       sync.Mutex
	settled  map[string]settledResult[T]
	inflight map[string]uint64 // key -> generation that started it
	gen      uint64 // bumped by Clear; stale settlements are dropped
	seq      uint64

	onShared func()
}

// NewDeduplicator creates a deduplicator. ttl <= 0 uses DefaultDedupTTL.
func NewDeduplicator[T any](ttl time.Duration) *Deduplicator[T] {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduplicator[T]{
		ttl:      ttl,
		settled:  make(map[string]settledResult[T]),
		inflight: make(map[string]uint64),
	}
}

// OnShared registers a hook called whenever a call is answered without a new
// invocation.
func (d *Deduplicator[T]) OnShared(fn func()) {
	d.mu.Lock()
	d.onShared = fn
	d.mu.Unlock()
}

// Do returns the registered outcome for key or invokes op. The shared
// invocation runs detached from any single caller's cancellation; a caller
// whose ctx ends stops waiting and gets ctx.Err().
func (d *Deduplicator[T]) Do(ctx context.Context, key string, op Operation[T]) (T, error) {
	if res, ok := d.lookup(key); ok {
		d.shared()
		return res.val, res.err
	}

	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()

	invoked := false
	ch := d.group.DoChan(key, func() (any, error) {
		// Another call may have settled between lookup and DoChan.
		if res, ok := d.lookup(key); ok {
			return res, nil
		}
		invoked = true

		d.mu.Lock()
		d.inflight[key] = gen
		d.mu.Unlock()

		val, err := op(context.WithoutCancel(ctx))
		res := settledResult[T]{val: val, err: err}
		d.settle(key, gen, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		if r.Shared || !invoked {
			d.shared()
		}
		res := r.Val.(settledResult[T])
		return res.val, res.err
	}
}

func (d *Deduplicator[T]) lookup(key string) (settledResult[T], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.settled[key]
	return res, ok
}

func (d *Deduplicator[T]) settle(key string, gen uint64, res settledResult[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inflight[key] == gen {
		delete(d.inflight, key)
	}
	if gen != d.gen {
		return
	}

	d.seq++
	res.seq = d.seq
	d.settled[key] = res

	seq := res.seq
	time.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		if cur, ok := d.settled[key]; ok && cur.seq == seq {
			delete(d.settled, key)
		}
		d.mu.Unlock()
	})
}

func (d *Deduplicator[T]) shared() {
	d.mu.Lock()
	fn := d.onShared
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Clear drops every settled entry and forgets in-flight keys, so the next
// call for any key invokes its operation again.
func (d *Deduplicator[T]) Clear() {
	d.mu.Lock()
	d.gen++
	d.settled = make(map[string]settledResult[T])
	keys := make([]string, 0, len(d.inflight))
	for k := range d.inflight {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.group.Forget(k)
	}
}

// Len returns the number of settled entries still answering calls.
func (d *Deduplicator[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.settled)
}
