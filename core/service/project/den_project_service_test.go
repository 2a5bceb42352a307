package project

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"hackerden/adapter/out/offline"
	"hackerden/core/domain"
	"hackerden/core/port/out"
	"hackerden/pkg/apperr"
	"hackerden/pkg/resilience"
	"hackerden/pkg/snowflake"
)

const projectID = "p1"

type fakeProjectAPI struct {
	mu      sync.Mutex
	project *domain.Project
	err     error
	pivots  int
	gets    int
}

func (f *fakeProjectAPI) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProjectAPI) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	// Let concurrent loads pile up on the shared call.
	time.Sleep(10 * time.Millisecond)
	return f.project.Clone(), nil
}

func (f *fakeProjectAPI) UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.project = patch.Apply(f.project)
	// The server answers without the member list.
	p := f.project.Clone()
	p.Members = nil
	p.Pivots = nil
	return p, nil
}

func (f *fakeProjectAPI) LogPivot(ctx context.Context, id string, input domain.PivotInput) (*domain.Pivot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.pivots++
	pv := domain.Pivot{ID: "pv" + string(rune('0'+f.pivots)), ProjectID: id, Description: input.Description, Reason: input.Reason}
	f.project.Pivots = append(f.project.Pivots, pv)
	return &pv, nil
}

type fakeRealtime struct {
	mu       sync.Mutex
	next     out.Subscription
	handlers map[domain.EventName]map[out.Subscription]out.EventHandler
}

func (f *fakeRealtime) Connect(ctx context.Context) error   { return nil }
func (f *fakeRealtime) Disconnect() error                   { return nil }
func (f *fakeRealtime) Reconnect(ctx context.Context) error { return nil }
func (f *fakeRealtime) JoinRoom(roomID, label string) error { return nil }
func (f *fakeRealtime) LeaveRoom() error                    { return nil }
func (f *fakeRealtime) Emit(domain.EventName, any) error    { return nil }
func (f *fakeRealtime) State() domain.ConnectionState       { return domain.ConnectionState{} }

func (f *fakeRealtime) OnConnectionChange(out.ConnectionListener) func() { return func() {} }

func (f *fakeRealtime) On(name domain.EventName, h out.EventHandler) out.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[domain.EventName]map[out.Subscription]out.EventHandler)
	}
	if f.handlers[name] == nil {
		f.handlers[name] = make(map[out.Subscription]out.EventHandler)
	}
	f.next++
	f.handlers[name][f.next] = h
	return f.next
}

func (f *fakeRealtime) Off(name domain.EventName, sub out.Subscription) {
	f.mu.Lock()
	delete(f.handlers[name], sub)
	f.mu.Unlock()
}

func (f *fakeRealtime) fire(t *testing.T, name domain.EventName, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	var hs []out.EventHandler
	for _, h := range f.handlers[name] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		if err := h(domain.Event{Name: name, Payload: raw}); err != nil {
			t.Errorf("handler for %s: %v", name, err)
		}
	}
}

func newTestService(t *testing.T) (*Service, *fakeProjectAPI, *fakeRealtime, *offline.MemoryQueue) {
	t.Helper()
	ids, err := snowflake.NewGenerator(2)
	if err != nil {
		t.Fatal(err)
	}
	api := &fakeProjectAPI{project: &domain.Project{
		ID:   projectID,
		Name: "Hacker Den",
		Members: []domain.Member{
			{UserID: "u1", Name: "Ada", Role: domain.MemberRoleOwner, JoinedAt: time.Unix(100, 0)},
		},
	}}
	rt := &fakeRealtime{}
	queue := offline.NewMemoryQueue(ids, 0, zerolog.Nop())
	svc := NewService(Config{
		ProjectID: projectID,
		Projects:  api,
		Realtime:  rt,
		Queue:     queue,
		Executor: resilience.NewExecutor(resilience.ExecutorConfig{
			Retry:  resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1},
			Logger: zerolog.Nop(),
		}),
		Logger: zerolog.Nop(),
	})
	return svc, api, rt, queue
}

func strPtr(s string) *string { return &s }

func TestLoad_SharesConcurrentCalls(t *testing.T) {
	svc, api, _, _ := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Load(context.Background()); err != nil {
				t.Errorf("Load() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if api.gets != 1 {
		t.Errorf("GetProject calls = %d, want 1", api.gets)
	}
	if p, ok := svc.Project(); !ok || p.Name != "Hacker Den" {
		t.Errorf("Project() = %+v, %v", p, ok)
	}
}

func TestUpdateProject(t *testing.T) {
	svc, api, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Load(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := svc.UpdateProject(ctx, domain.ProjectPatch{Name: strPtr("Den v2")})
	if err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}
	if got.Name != "Den v2" {
		t.Errorf("Name = %q", got.Name)
	}
	if len(svc.Members()) != 1 {
		t.Error("member list lost by a partial server answer")
	}

	api.setErr(apperr.Validation("name taken"))
	if _, err := svc.UpdateProject(ctx, domain.ProjectPatch{Name: strPtr("Den v3")}); err == nil {
		t.Fatal("UpdateProject() should fail")
	}
	if p, _ := svc.Project(); p.Name != "Den v2" {
		t.Errorf("Name = %q after rollback", p.Name)
	}
}

func TestLoad_KeepsUpdateConfirmedAfterSharedRead(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateProject(ctx, domain.ProjectPatch{Name: strPtr("Den v2")}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Den v2" {
		t.Errorf("Load() Name = %q, want Den v2", got.Name)
	}
	if p, _ := svc.Project(); p.Name != "Den v2" {
		t.Errorf("Project().Name = %q after reload, want Den v2", p.Name)
	}
}

func TestUpdateProject_Validation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.UpdateProject(context.Background(), domain.ProjectPatch{Name: strPtr("x")})
	var ce *apperr.ClassifiedError
	if !errors.As(err, &ce) || ce.Code != apperr.CodeNotFound {
		t.Errorf("before Load: err = %v", err)
	}

	if _, err := svc.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err = svc.UpdateProject(context.Background(), domain.ProjectPatch{Name: strPtr("  ")})
	if !errors.As(err, &ce) || ce.Type != apperr.TypeValidation {
		t.Errorf("blank name: err = %v", err)
	}
}

func TestLogPivot(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Load(ctx); err != nil {
		t.Fatal(err)
	}

	pv, err := svc.LogPivot(ctx, domain.PivotInput{Description: "drop the mobile app", Reason: "time"})
	if err != nil {
		t.Fatalf("LogPivot() error = %v", err)
	}
	if pv.ID != "pv1" {
		t.Errorf("ID = %q", pv.ID)
	}
	p, _ := svc.Project()
	if len(p.Pivots) != 1 || p.Pivots[0].ID != "pv1" {
		t.Errorf("Pivots = %+v", p.Pivots)
	}

	if _, err := svc.LogPivot(ctx, domain.PivotInput{Description: " "}); err == nil {
		t.Error("empty description accepted")
	}
}

func TestOffline_QueuesAndReplays(t *testing.T) {
	svc, api, _, queue := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Load(ctx); err != nil {
		t.Fatal(err)
	}

	api.setErr(apperr.Network(errors.New("down")))
	if _, err := svc.LogPivot(ctx, domain.PivotInput{Description: "offline pivot"}); err == nil {
		t.Fatal("LogPivot() should fail while offline")
	}
	p, _ := svc.Project()
	if len(p.Pivots) != 0 {
		t.Errorf("placeholder pivot not rolled back: %+v", p.Pivots)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue = %d, want 1", queue.Len())
	}

	api.setErr(nil)
	applied, err := svc.ReplayOffline(ctx)
	if err != nil || applied != 1 {
		t.Fatalf("ReplayOffline() = %d, %v", applied, err)
	}
	p, _ = svc.Project()
	if len(p.Pivots) != 1 || p.Pivots[0].Description != "offline pivot" {
		t.Errorf("Pivots = %+v", p.Pivots)
	}
}

func TestRealtime_Members(t *testing.T) {
	svc, _, rt, _ := newTestService(t)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Close()

	// Before the first load there is nothing to merge into.
	rt.fire(t, domain.EventMemberJoined, domain.MemberEventData{ProjectID: projectID, Member: domain.Member{UserID: "early"}})
	if _, ok := svc.Project(); ok {
		t.Fatal("event created a project")
	}

	if _, err := svc.Load(ctx); err != nil {
		t.Fatal(err)
	}

	rt.fire(t, domain.EventMemberJoined, domain.MemberEventData{
		ProjectID: projectID,
		Member:    domain.Member{UserID: "u2", Name: "Linus", JoinedAt: time.Unix(200, 0)},
	})
	rt.fire(t, domain.EventMemberJoined, domain.MemberEventData{ProjectID: "other", Member: domain.Member{UserID: "u9"}})

	members := svc.Members()
	if len(members) != 2 || members[1].UserID != "u2" {
		t.Fatalf("Members() = %+v", members)
	}

	rt.fire(t, domain.EventMemberLeft, domain.MemberEventData{ProjectID: projectID, Member: domain.Member{UserID: "u1"}})
	if members := svc.Members(); len(members) != 1 || members[0].UserID != "u2" {
		t.Errorf("after leave: %+v", members)
	}

	rt.fire(t, domain.EventPivotLogged, domain.PivotEventData{Pivot: domain.Pivot{ID: "pv7", ProjectID: projectID}})
	rt.fire(t, domain.EventPivotLogged, domain.PivotEventData{Pivot: domain.Pivot{ID: "pv7", ProjectID: projectID, Reason: "dup"}})
	if p, _ := svc.Project(); len(p.Pivots) != 1 || p.Pivots[0].Reason != "dup" {
		t.Errorf("Pivots = %+v", p.Pivots)
	}

	rt.fire(t, domain.EventProjectUpdated, domain.ProjectEventData{Project: &domain.Project{ID: projectID, Name: "Renamed"}})
	p, _ := svc.Project()
	if p.Name != "Renamed" || len(p.Members) != 1 {
		t.Errorf("project:updated merge = %+v", p)
	}
}
