package domain

import (
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []TaskStatus{"", "later", "DONE"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestIsTempID(t *testing.T) {
	if !IsTempID(TempIDPrefix + "abc") {
		t.Error("temp id not recognised")
	}
	if IsTempID("t42") {
		t.Error("server id reported as temp")
	}
}

func TestTaskPatch_ApplyCopies(t *testing.T) {
	orig := &Task{ID: "t1", Title: "old", Status: TaskStatusTodo, Labels: []string{"api"}}
	title := "new"
	done := TaskStatusDone

	got := TaskPatch{Title: &title, Status: &done, Labels: []string{"ui"}}.Apply(orig)

	if got.Title != "new" || got.Status != TaskStatusDone || got.Labels[0] != "ui" {
		t.Errorf("Apply() = %+v", got)
	}
	if orig.Title != "old" || orig.Labels[0] != "api" {
		t.Errorf("original mutated: %+v", orig)
	}

	clone := orig.Clone()
	clone.Labels[0] = "changed"
	if orig.Labels[0] != "api" {
		t.Error("Clone shares the label slice")
	}
}

func TestProjectPatch_ApplyCopies(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := &Project{ID: "p1", Name: "den", Members: []Member{{UserID: "u1"}}}
	name := "den v2"

	got := ProjectPatch{Name: &name, Deadline: &deadline}.Apply(orig)
	if got.Name != "den v2" || !got.Deadline.Equal(deadline) {
		t.Errorf("Apply() = %+v", got)
	}
	got.Members[0].UserID = "changed"
	if orig.Members[0].UserID != "u1" || orig.Name != "den" || orig.Deadline != nil {
		t.Errorf("original mutated: %+v", orig)
	}
}

func TestOfflineAction_Status(t *testing.T) {
	tests := []struct {
		name         string
		action       OfflineAction
		wantPending  bool
		wantRetry    bool
		wantTerminal bool
	}{
		{"pending", OfflineAction{Status: ActionStatusPending}, true, false, false},
		{"failed once", OfflineAction{Status: ActionStatusFailed, RetryCount: 1}, false, true, false},
		{"failed out", OfflineAction{Status: ActionStatusFailed, RetryCount: MaxActionRetries}, false, false, true},
		{"conflict", OfflineAction{Status: ActionStatusConflict}, false, false, true},
		{"applied", OfflineAction{Status: ActionStatusApplied}, false, false, true},
		{"applying", OfflineAction{Status: ActionStatusApplying}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.action.IsPending(); got != tt.wantPending {
				t.Errorf("IsPending() = %v", got)
			}
			if got := tt.action.CanRetry(); got != tt.wantRetry {
				t.Errorf("CanRetry() = %v", got)
			}
			if got := tt.action.IsTerminal(); got != tt.wantTerminal {
				t.Errorf("IsTerminal() = %v", got)
			}
		})
	}
}

func TestConnectionState(t *testing.T) {
	s := ConnectionState{MaxReconnectAttempts: 5, ReconnectAttempts: 5}
	if !s.GaveUp() {
		t.Error("GaveUp() = false at the attempt limit")
	}
	s.Connected = true
	if s.GaveUp() {
		t.Error("connected state reported as given up")
	}
	if s.InRoom() {
		t.Error("InRoom() without a room")
	}
	s.RoomID = "p1"
	if !s.InRoom() {
		t.Error("InRoom() = false")
	}
}

func TestEventName_IsDomain(t *testing.T) {
	if !EventTaskMoved.IsDomain() || !EventPivotLogged.IsDomain() {
		t.Error("domain events not recognised")
	}
	if EventJoinRoom.IsDomain() || EventConnect.IsDomain() {
		t.Error("control events reported as domain events")
	}
}
