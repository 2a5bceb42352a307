package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"hackerden/core/domain"
	"hackerden/pkg/apperr"
	"hackerden/pkg/response"
)

type memCreds struct{ token string }

func (m *memCreds) Token() (string, bool) { return m.token, m.token != "" }
func (m *memCreds) Set(t string) error    { m.token = t; return nil }
func (m *memCreds) Clear()                { m.token = "" }

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:      srv.URL + "/api",
		Credentials:  &memCreds{token: "tok"},
		Logger:       zerolog.Nop(),
		FuseFailures: 3,
		FuseTimeout:  time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient_CreateTask(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/projects/p1/tasks" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var in domain.TaskInput
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &in); err != nil {
			t.Errorf("body: %v", err)
		}
		response.Created(w, domain.Task{ID: "t-100", ProjectID: "p1", Title: in.Title, Status: domain.TaskStatusTodo})
	}))

	task, err := c.CreateTask(context.Background(), "p1", domain.TaskInput{Title: "Ship demo"})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.ID != "t-100" || task.Title != "Ship demo" {
		t.Errorf("task = %+v", task)
	}
}

func TestClient_GetTasks(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		tasks := make([]domain.Task, 0, len(ids))
		for _, id := range ids {
			tasks = append(tasks, domain.Task{ID: id})
		}
		response.OK(w, tasks)
	}))

	tasks, err := c.GetTasks(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[1].ID != "b" {
		t.Errorf("tasks = %+v", tasks)
	}

	none, err := c.GetTasks(context.Background(), nil)
	if err != nil || none != nil {
		t.Errorf("GetTasks(nil) = %v, %v", none, err)
	}
}

func TestClient_DeleteTask_NoContent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		response.NoContent(w)
	}))
	if err := c.DeleteTask(context.Background(), "t1"); err != nil {
		t.Errorf("DeleteTask() error = %v", err)
	}
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status   int
		wantType apperr.ErrorType
	}{
		{http.StatusUnauthorized, apperr.TypeAuthentication},
		{http.StatusForbidden, apperr.TypeAuthorization},
		{http.StatusUnprocessableEntity, apperr.TypeValidation},
		{http.StatusNotFound, apperr.TypeClient},
		{http.StatusBadGateway, apperr.TypeServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				response.Error(w, tt.status, "X", "nope")
			}))
			_, err := c.GetProject(context.Background(), "p1")
			if got := apperr.Classify(err).Type; got != tt.wantType {
				t.Errorf("Classify() = %v, want %v (err %v)", got, tt.wantType, err)
			}
		})
	}
}

func TestClient_FuseIgnoresClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "gone")
	}))

	for i := 0; i < 5; i++ {
		_, _ = c.GetProject(context.Background(), "p1")
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5; 4xx must not trip the fuse", calls.Load())
	}
	if c.FuseState() != "closed" {
		t.Errorf("FuseState() = %s", c.FuseState())
	}
}

func TestClient_FuseTripsOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for i := 0; i < 3; i++ {
		_, _ = c.ListTasks(context.Background(), "p1")
	}
	_, err := c.ListTasks(context.Background(), "p1")
	if apperr.CodeOf(err) != apperr.CodeCircuitOpen {
		t.Fatalf("error after trip = %v, want CIRCUIT_BREAKER_OPEN", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ListTasks(context.Background(), "p1")
	if got := apperr.Classify(err); got.Type != apperr.TypeNetwork || !got.Retryable {
		t.Errorf("Classify() = %+v, want retryable network", got)
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "not a url"}); apperr.CodeOf(err) != apperr.CodeConfigError {
		t.Errorf("NewClient() error = %v, want CONFIG_ERROR", err)
	}
}
