package domain

import (
	"strings"
	"time"
)

// TaskStatus is the board column a task sits in
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is a known column.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone:
		return true
	}
	return false
}

// TempIDPrefix marks ids minted locally before the server assigns one.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id was minted locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Task represents a card on the project board
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Position    int        `json:"position"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a copy that shares no slices with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Labels != nil {
		c.Labels = append([]string(nil), t.Labels...)
	}
	return &c
}

// TaskInput is the payload for creating a task
type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status,omitempty"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
}

// TaskPatch holds the fields to change; nil means unchanged
type TaskPatch struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	AssignedTo  *string     `json:"assignedTo,omitempty"`
	Labels      []string    `json:"labels,omitempty"`
}

// Apply returns a copy of t with the patch applied.
func (p TaskPatch) Apply(t *Task) *Task {
	c := t.Clone()
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.AssignedTo != nil {
		c.AssignedTo = *p.AssignedTo
	}
	if p.Labels != nil {
		c.Labels = append([]string(nil), p.Labels...)
	}
	return c
}

// TaskMove relocates a task to a column and position
type TaskMove struct {
	TaskID   string     `json:"taskId"`
	Status   TaskStatus `json:"status"`
	Position int        `json:"position"`
}
