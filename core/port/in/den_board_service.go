package in

import (
	"context"

	"hackerden/core/domain"
)

// BoardService is the task board as the UI drives it. Every write is
// optimistic: the local board changes before the call returns.
type BoardService interface {
	Load(ctx context.Context) ([]*domain.Task, error)
	Tasks() []*domain.Task
	Task(id string) (*domain.Task, bool)
	FetchTask(ctx context.Context, id string) (*domain.Task, error)

	CreateTask(ctx context.Context, input domain.TaskInput) (*domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (*domain.Task, error)
	MoveTask(ctx context.Context, move domain.TaskMove) (*domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	ReplayOffline(ctx context.Context) (applied int, err error)
}

// ProjectService is the project header, member list and pivot log.
type ProjectService interface {
	Load(ctx context.Context) (*domain.Project, error)
	Project() (*domain.Project, bool)
	UpdateProject(ctx context.Context, patch domain.ProjectPatch) (*domain.Project, error)
	LogPivot(ctx context.Context, input domain.PivotInput) (*domain.Pivot, error)

	ReplayOffline(ctx context.Context) (applied int, err error)
}
