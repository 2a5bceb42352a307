package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hackerden/pkg/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
	})
	cb.now = clock.Now
	return cb, clock
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	if err := cb.Execute(ctx, fail); err != errBoom {
		t.Fatalf("first failure: err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("after 1 failure state = %v, want CLOSED", cb.State())
	}

	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("after 2 failures state = %v, want OPEN", cb.State())
	}

	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("operation invoked while OPEN")
	}
	if apperr.CodeOf(err) != apperr.CodeCircuitOpen {
		t.Errorf("err = %v, want CIRCUIT_BREAKER_OPEN", err)
	}
	if c := apperr.Classify(err); c.Type != apperr.TypeServer || !c.Retryable {
		t.Errorf("classification = %+v, want retryable server", c)
	}

	clock.Advance(time.Minute + time.Millisecond)

	var seen CircuitState
	err = cb.Execute(ctx, func(ctx context.Context) error {
		seen = cb.State()
		return nil
	})
	if err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if seen != StateHalfOpen {
		t.Errorf("state during trial = %v, want HALF_OPEN", seen)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after trial = %v, want CLOSED", cb.State())
	}
	if got := cb.Stats().Failures; got != 0 {
		t.Errorf("failures after recovery = %d, want 0", got)
	}
}

func TestCircuitBreaker_RecoveryTimeoutIsStrict(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Minute)

	if err := cb.Execute(ctx, succeed); apperr.CodeOf(err) != apperr.CodeCircuitOpen {
		t.Errorf("exactly at recovery timeout: err = %v, want rejection", err)
	}
}

func TestCircuitBreaker_TrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	openedAt := cb.Stats().LastFailure

	clock.Advance(2 * time.Minute)
	if err := cb.Execute(ctx, fail); err != errBoom {
		t.Fatalf("trial err = %v, want errBoom", err)
	}

	stats := cb.Stats()
	if stats.State != "OPEN" {
		t.Errorf("state = %s, want OPEN", stats.State)
	}
	if stats.Failures != 3 {
		t.Errorf("failures = %d, want 3", stats.Failures)
	}
	if !stats.LastFailure.After(openedAt) {
		t.Error("last failure timestamp was not reset by the failed trial")
	}

	// Freshly reopened: still rejecting.
	clock.Advance(30 * time.Second)
	if err := cb.Execute(ctx, succeed); apperr.CodeOf(err) != apperr.CodeCircuitOpen {
		t.Errorf("err = %v, want rejection", err)
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeed); apperr.CodeOf(err) != apperr.CodeCircuitOpen {
		t.Errorf("concurrent call during trial: err = %v, want rejection", err)
	}
	if !cb.Stats().TrialInFlight {
		t.Error("TrialInFlight = false during trial")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED (failures were not consecutive)", cb.State())
	}
	if got := cb.Stats().Failures; got != 2 {
		t.Errorf("failures = %d, want 2", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed || cb.Stats().Failures != 0 {
		t.Errorf("after Reset: %+v", cb.Stats())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Execute after Reset err = %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()

	var transitions []string
	cb.OnStateChange(func(name string, from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(ctx, succeed)

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_RecentFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "m", FailureThreshold: 10, MonitoringPeriod: time.Minute})
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb.now = clock.Now
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(45 * time.Second)
	_ = cb.Execute(ctx, fail)
	clock.Advance(30 * time.Second)

	if got := cb.Stats().RecentFailures; got != 1 {
		t.Errorf("RecentFailures = %d, want 1", got)
	}
}

func TestGuard(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)

	v, err := Guard(context.Background(), cb, func(ctx context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Guard() = %d, %v", v, err)
	}
}
