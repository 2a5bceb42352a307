package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindowLimiter_Local(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, Config{RequestsPerSecond: 2, BurstSize: 1, Window: time.Second})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "c1"); !ok {
			t.Fatalf("request %d refused", i)
		}
		now = now.Add(100 * time.Millisecond)
	}

	ok, wait := l.Allow(ctx, "c1")
	if ok {
		t.Fatal("fourth request in the window admitted")
	}
	if wait != 700*time.Millisecond {
		t.Errorf("wait = %v, want 700ms", wait)
	}

	if ok, _ := l.Allow(ctx, "c2"); !ok {
		t.Error("keys should be independent")
	}

	now = now.Add(wait)
	if ok, _ := l.Allow(ctx, "c1"); !ok {
		t.Error("request refused after the oldest left the window")
	}
}

func TestSlidingWindowLimiter_Forget(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, Config{RequestsPerSecond: 1, Window: time.Minute})
	ctx := context.Background()

	l.Allow(ctx, "c1")
	if ok, _ := l.Allow(ctx, "c1"); ok {
		t.Fatal("limit not applied")
	}
	l.Forget("c1")
	if ok, _ := l.Allow(ctx, "c1"); !ok {
		t.Error("Forget did not reset the window")
	}
}
