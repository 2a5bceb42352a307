package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitQueued blocks until key's open batch holds n items.
func waitQueued[I, R any](t *testing.T, b *Batcher[I, R], key string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		pb, ok := b.pending[key]
		got := 0
		if ok {
			got = len(pb.items)
		}
		b.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("batch %q never reached %d items", key, n)
}

func TestBatcher_GroupsWithinWindow(t *testing.T) {
	var invocations atomic.Int32
	var seen []string
	b := NewBatcher(BatcherConfig{Window: 100 * time.Millisecond}, func(ctx context.Context, ids []string) ([]string, error) {
		invocations.Add(1)
		seen = append([]string(nil), ids...)
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = "task-" + id
		}
		return out, nil
	})

	var wg sync.WaitGroup
	results := make([]string, 2)
	call := func(i int, id string) {
		defer wg.Done()
		v, err := b.Batch(context.Background(), "tasks", id)
		if err != nil {
			t.Errorf("Batch(%s) error = %v", id, err)
		}
		results[i] = v
	}

	wg.Add(2)
	go call(0, "a")
	waitQueued(t, b, "tasks", 1)
	go call(1, "b")
	wg.Wait()

	if got := invocations.Load(); got != 1 {
		t.Fatalf("processor invoked %d times, want 1", got)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("processor items = %v, want [a b]", seen)
	}
	if results[0] != "task-a" || results[1] != "task-b" {
		t.Errorf("results = %v", results)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after flush", b.Pending())
	}
}

func TestBatcher_ProcessorErrorRejectsAll(t *testing.T) {
	wantErr := errors.New("batch endpoint down")
	b := NewBatcher(BatcherConfig{Window: 30 * time.Millisecond}, func(ctx context.Context, items []int) ([]int, error) {
		return nil, wantErr
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Batch(context.Background(), "k", i)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != wantErr {
			t.Errorf("errs[%d] = %v, want %v", i, err, wantErr)
		}
	}
}

func TestBatcher_LengthMismatchRejectsAll(t *testing.T) {
	b := NewBatcher(BatcherConfig{Window: 10 * time.Millisecond}, func(ctx context.Context, items []int) ([]int, error) {
		return []int{1}, nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = b.Batch(context.Background(), "k", 1) }()
	waitQueued(t, b, "k", 1)
	go func() { defer wg.Done(); _, errs[1] = b.Batch(context.Background(), "k", 2) }()
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Errorf("errs[%d] = nil, want mismatch error", i)
		}
	}
}

func TestBatcher_KeysAreIndependent(t *testing.T) {
	var mu sync.Mutex
	batches := map[string]int{}
	b := NewBatcher(BatcherConfig{Window: 20 * time.Millisecond}, func(ctx context.Context, items []string) ([]string, error) {
		mu.Lock()
		batches[fmt.Sprint(items)]++
		mu.Unlock()
		return items, nil
	})

	var wg sync.WaitGroup
	for _, key := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v, err := b.Batch(context.Background(), key, key)
			if err != nil || v != key {
				t.Errorf("Batch(%s) = %q, %v", key, v, err)
			}
		}(key)
	}
	wg.Wait()

	if len(batches) != 2 {
		t.Errorf("batches = %v, want one per key", batches)
	}
}

func TestBatcher_NewWindowAfterFlush(t *testing.T) {
	var invocations atomic.Int32
	b := NewBatcher(BatcherConfig{Window: 10 * time.Millisecond}, func(ctx context.Context, items []int) ([]int, error) {
		invocations.Add(1)
		return items, nil
	})

	_, _ = b.Batch(context.Background(), "k", 1)
	_, _ = b.Batch(context.Background(), "k", 2)

	if got := invocations.Load(); got != 2 {
		t.Errorf("invocations = %d, want 2", got)
	}
}

func TestBatcher_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	var processed atomic.Int32
	b := NewBatcher(BatcherConfig{Window: 10 * time.Millisecond}, func(ctx context.Context, items []int) ([]int, error) {
		<-release
		processed.Add(int32(len(items)))
		return items, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := b.Batch(ctx, "k", 1)
		errc <- err
	}()
	waitQueued(t, b, "k", 1)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for processed.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if processed.Load() != 1 {
		t.Error("batch did not run after its only caller left")
	}
}

func TestBatcher_ProcessorPanic(t *testing.T) {
	b := NewBatcher(BatcherConfig{Window: 5 * time.Millisecond}, func(ctx context.Context, items []int) ([]int, error) {
		panic("bad index")
	})

	if _, err := b.Batch(context.Background(), "k", 1); err == nil {
		t.Error("expected error from panicking processor")
	}
}
