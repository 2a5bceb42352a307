package out

import (
	"context"

	"hackerden/core/domain"
)

// TaskAPI is the remote task endpoint set. Errors are *apperr.AppError or
// transport errors.
type TaskAPI interface {
	ListTasks(ctx context.Context, projectID string) ([]*domain.Task, error)
	GetTasks(ctx context.Context, ids []string) ([]*domain.Task, error)
	CreateTask(ctx context.Context, projectID string, input domain.TaskInput) (*domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (*domain.Task, error)
	MoveTask(ctx context.Context, move domain.TaskMove) (*domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// ProjectAPI is the remote project endpoint set.
type ProjectAPI interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateProject(ctx context.Context, projectID string, patch domain.ProjectPatch) (*domain.Project, error)
	LogPivot(ctx context.Context, projectID string, input domain.PivotInput) (*domain.Pivot, error)
}
