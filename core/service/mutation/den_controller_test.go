package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hackerden/pkg/apperr"
	"hackerden/pkg/resilience"
)

type item struct {
	ID    string
	Title string
}

func newExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.ExecutorConfig{
		Retry: resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1},
	})
}

func TestApply_SuccessConfirmsServerValue(t *testing.T) {
	store := NewStore[string, *item]()
	store.Confirm("t1", &item{ID: "t1", Title: "old"})
	ctrl := NewController(store, newExecutor(), ControllerConfig{Entity: "item"})

	server := &item{ID: "t1", Title: "new (server)"}
	got, err := ctrl.Apply(context.Background(), "item.update", Mutation[string, *item]{
		Key:        "t1",
		Optimistic: &item{ID: "t1", Title: "new"},
		Call: func(ctx context.Context) (*item, error) {
			if v, _ := store.Get("t1"); v.Title != "new" {
				t.Errorf("optimistic value not visible during call: %q", v.Title)
			}
			return server, nil
		},
	})

	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != server {
		t.Error("Apply() did not return the server value")
	}
	if v, _ := store.Get("t1"); v != server {
		t.Errorf("store = %+v, want server value", v)
	}
}

func TestApply_FailureRestoresExactSnapshot(t *testing.T) {
	store := NewStore[string, *item]()
	original := &item{ID: "t1", Title: "keep me"}
	store.Confirm("t1", original)
	ctrl := NewController(store, newExecutor(), ControllerConfig{Entity: "item"})

	_, err := ctrl.Apply(context.Background(), "item.update", Mutation[string, *item]{
		Key:        "t1",
		Optimistic: &item{ID: "t1", Title: "changed"},
		Call: func(ctx context.Context) (*item, error) {
			return nil, apperr.Validation("title too long")
		},
	})

	var ce *apperr.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *apperr.ClassifiedError", err)
	}
	if ce.UserMessage != "title too long" {
		t.Errorf("UserMessage = %q", ce.UserMessage)
	}
	if v, _ := store.Get("t1"); v != original {
		t.Errorf("store = %+v, want the original pointer", v)
	}
}

func TestApply_FailureRemovesOptimisticCreate(t *testing.T) {
	store := NewStore[string, *item]()
	ctrl := NewController(store, newExecutor(), ControllerConfig{})

	_, _ = ctrl.Apply(context.Background(), "item.create", Mutation[string, *item]{
		Key:        "tmp-1",
		Optimistic: &item{ID: "tmp-1"},
		Call: func(ctx context.Context) (*item, error) {
			return nil, apperr.Forbidden("")
		},
	})

	if _, ok := store.Get("tmp-1"); ok {
		t.Error("optimistic create survived the rollback")
	}
}

func TestApply_RemoveRollback(t *testing.T) {
	store := NewStore[string, *item]()
	original := &item{ID: "t1"}
	store.Confirm("t1", original)
	ctrl := NewController(store, newExecutor(), ControllerConfig{})

	_, _ = ctrl.Apply(context.Background(), "item.delete", Mutation[string, *item]{
		Key:    "t1",
		Remove: true,
		Call: func(ctx context.Context) (*item, error) {
			if _, ok := store.Get("t1"); ok {
				t.Error("item still present during optimistic delete")
			}
			return nil, apperr.FromStatus(404, "")
		},
	})

	if v, ok := store.Get("t1"); !ok || v != original {
		t.Error("deleted item was not restored")
	}

	_, err := ctrl.Apply(context.Background(), "item.delete", Mutation[string, *item]{
		Key:    "t1",
		Remove: true,
		Call:   func(ctx context.Context) (*item, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if _, ok := store.Get("t1"); ok {
		t.Error("confirmed delete left the item behind")
	}
}

func TestApply_CommitReplacesTemporaryID(t *testing.T) {
	store := NewStore[string, *item]()
	ctrl := NewController(store, newExecutor(), ControllerConfig{})

	_, err := ctrl.Apply(context.Background(), "item.create", Mutation[string, *item]{
		Key:        "tmp-1",
		Optimistic: &item{ID: "tmp-1", Title: "draft"},
		Call: func(ctx context.Context) (*item, error) {
			return &item{ID: "srv-9", Title: "draft"}, nil
		},
		Commit: func(s *Store[string, *item], result *item) {
			s.Replace("tmp-1", result.ID, result)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Get("tmp-1"); ok {
		t.Error("temporary id still present")
	}
	if v, ok := store.Get("srv-9"); !ok || v.Title != "draft" {
		t.Error("server id missing")
	}
}

func TestApply_ServerConfirmationWinsOverRollback(t *testing.T) {
	store := NewStore[string, *item]()
	store.Confirm("t1", &item{ID: "t1", Title: "v1"})
	ctrl := NewController(store, newExecutor(), ControllerConfig{})

	remote := &item{ID: "t1", Title: "v2 from teammate"}
	_, _ = ctrl.Apply(context.Background(), "item.update", Mutation[string, *item]{
		Key:        "t1",
		Optimistic: &item{ID: "t1", Title: "mine"},
		Call: func(ctx context.Context) (*item, error) {
			// A realtime event lands while the write is in flight.
			store.Confirm("t1", remote)
			return nil, apperr.Validation("rejected")
		},
	})

	if v, _ := store.Get("t1"); v != remote {
		t.Errorf("store = %+v, want the teammate's confirmed value", v)
	}
}

func TestApply_Reentrant(t *testing.T) {
	store := NewStore[string, *item]()
	a := &item{ID: "a", Title: "a0"}
	b := &item{ID: "b", Title: "b0"}
	store.Confirm("a", a)
	store.Confirm("b", b)
	ctrl := NewController(store, newExecutor(), ControllerConfig{})

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = ctrl.Apply(context.Background(), "item.update", Mutation[string, *item]{
			Key:        "a",
			Optimistic: &item{ID: "a", Title: "a1"},
			Call: func(ctx context.Context) (*item, error) {
				<-release
				return nil, apperr.Validation("no")
			},
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = ctrl.Apply(context.Background(), "item.update", Mutation[string, *item]{
			Key:        "b",
			Optimistic: &item{ID: "b", Title: "b1"},
			Call: func(ctx context.Context) (*item, error) {
				<-release
				return &item{ID: "b", Title: "b1"}, nil
			},
		})
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if v, _ := store.Get("a"); v != a {
		t.Errorf("a = %+v, want restored original", v)
	}
	if v, _ := store.Get("b"); v.Title != "b1" {
		t.Errorf("b = %+v, want confirmed b1", v)
	}
}

func TestApply_FailureHooks(t *testing.T) {
	store := NewStore[string, *item]()
	ctrl := NewController(store, newExecutor(), ControllerConfig{})

	var got []apperr.ErrorType
	ctrl.OnFailure(func(ctx context.Context, err *apperr.ClassifiedError) {
		got = append(got, err.Type)
	})

	_, _ = ctrl.Apply(context.Background(), "item.update", Mutation[string, *item]{
		Key:  "x",
		Call: func(ctx context.Context) (*item, error) { return nil, apperr.Unauthorized("") },
	})

	if len(got) != 1 || got[0] != apperr.TypeAuthentication {
		t.Errorf("hook saw %v, want [authentication]", got)
	}
}

func TestApply_FreeFunction(t *testing.T) {
	store := NewStore[int, string]()
	v, err := Apply(context.Background(), store, newExecutor(), "n.set", Mutation[int, string]{
		Key:        1,
		Optimistic: "local",
		Call:       func(ctx context.Context) (string, error) { return "server", nil },
	})
	if err != nil || v != "server" {
		t.Fatalf("Apply() = %q, %v", v, err)
	}
}

// stagedWrite starts an Apply whose remote call waits for its answer and
// returns once the optimistic value is visible.
func stagedWrite(t *testing.T, store *Store[string, *item], ctrl *Controller[string, *item], title string) (answer chan error, done chan struct{}) {
	t.Helper()
	answer = make(chan error)
	done = make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ctrl.Apply(context.Background(), "item.update", Mutation[string, *item]{
			Key:        "a",
			Optimistic: &item{ID: "a", Title: title},
			Call: func(ctx context.Context) (*item, error) {
				if err := <-answer; err != nil {
					return nil, err
				}
				return &item{ID: "a", Title: title + " (saved)"}, nil
			},
		})
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if v, _ := store.Get("a"); v != nil && v.Title == title {
			return answer, done
		}
		if time.Now().After(deadline) {
			t.Fatalf("optimistic %q never applied", title)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApply_OverlappingWritesToOneKey(t *testing.T) {
	rejected := apperr.Validation("no")

	tests := []struct {
		name      string
		first     string // "B" or "C": which write is answered first
		answerB   error
		answerC   error
		afterOne  string // title visible after the first answer
		wantFinal string
	}{
		{"older fails then newer fails", "B", rejected, rejected, "C", "A"},
		{"newer fails then older fails", "C", rejected, rejected, "B", "A"},
		{"older fails then newer succeeds", "B", rejected, nil, "C", "C (saved)"},
		{"newer fails then older succeeds", "C", nil, rejected, "B", "B (saved)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore[string, *item]()
			store.Confirm("a", &item{ID: "a", Title: "A"})
			ctrl := NewController(store, newExecutor(), ControllerConfig{})

			answerB, doneB := stagedWrite(t, store, ctrl, "B")
			answerC, doneC := stagedWrite(t, store, ctrl, "C")

			settle := func(answer chan error, done chan struct{}, err error) {
				answer <- err
				<-done
			}
			if tt.first == "B" {
				settle(answerB, doneB, tt.answerB)
			} else {
				settle(answerC, doneC, tt.answerC)
			}
			if v, _ := store.Get("a"); v.Title != tt.afterOne {
				t.Errorf("after first answer title = %q, want %q", v.Title, tt.afterOne)
			}

			if tt.first == "B" {
				settle(answerC, doneC, tt.answerC)
			} else {
				settle(answerB, doneB, tt.answerB)
			}
			if v, _ := store.Get("a"); v.Title != tt.wantFinal {
				t.Errorf("final title = %q, want %q", v.Title, tt.wantFinal)
			}
			if n := store.Pending("a"); n != 0 {
				t.Errorf("Pending() = %d, want 0", n)
			}
		})
	}
}
