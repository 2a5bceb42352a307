// Package board keeps the project's task board in sync: optimistic writes
// through the executor, server pushes from the room channel, and replay of
// writes queued while offline.
package board

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hackerden/core/domain"
	"hackerden/core/port/in"
	"hackerden/core/port/out"
	"hackerden/core/service/mutation"
	"hackerden/pkg/apperr"
	"hackerden/pkg/metrics"
	"hackerden/pkg/resilience"
)

// Config wires a Service.
type Config struct {
	ProjectID   string
	Tasks       out.TaskAPI
	Realtime    out.RealtimeClient  // optional
	Queue       out.OfflineQueue    // optional
	Credentials out.CredentialStore // optional; cleared on authentication failures
	Executor    *resilience.Executor
	BatchWindow time.Duration
	Metrics     *metrics.Collector
	Logger      zerolog.Logger
}

// Service implements in.BoardService.
type Service struct {
	projectID string
	api       out.TaskAPI
	rt        out.RealtimeClient
	queue     out.OfflineQueue
	creds     out.CredentialStore
	exec      *resilience.Executor
	log       zerolog.Logger

	store   *mutation.Store[string, *domain.Task]
	ctl     *mutation.Controller[string, *domain.Task]
	fetcher *resilience.Batcher[string, *domain.Task]

	replayMu sync.Mutex
	subs     map[domain.EventName]out.Subscription
	unwatch  func()

	now func() time.Time
}

var _ in.BoardService = (*Service)(nil)

// NewService creates a board service.
func NewService(cfg Config) *Service {
	s := &Service{
		projectID: cfg.ProjectID,
		api:       cfg.Tasks,
		rt:        cfg.Realtime,
		queue:     cfg.Queue,
		creds:     cfg.Credentials,
		exec:      cfg.Executor,
		log:       cfg.Logger.With().Str("component", "board").Str("project_id", cfg.ProjectID).Logger(),
		store:     mutation.NewStore[string, *domain.Task](),
		subs:      make(map[domain.EventName]out.Subscription),
		now:       time.Now,
	}

	s.ctl = mutation.NewController(s.store, s.exec, mutation.ControllerConfig{
		Entity:  "task",
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})
	s.ctl.OnFailure(s.onFailure)

	s.fetcher = resilience.NewBatcher(resilience.BatcherConfig{
		Name:    "tasks",
		Window:  cfg.BatchWindow,
		Logger:  cfg.Logger,
		OnFlush: func(n int) { cfg.Metrics.ObserveBatch("tasks", n) },
	}, s.fetchBatch)

	return s
}

// OnChange observes every board write.
func (s *Service) OnChange(fn func(id string, task *domain.Task, present bool)) func() {
	return s.store.OnChange(mutation.ChangeFunc[string, *domain.Task](fn))
}

// =============================================================================
// Realtime
// =============================================================================

// Start merges task events from the room channel and replays queued
// writes every time the channel comes back.
func (s *Service) Start(ctx context.Context) {
	if s.rt == nil {
		return
	}
	s.subs[domain.EventTaskCreated] = s.rt.On(domain.EventTaskCreated, s.onTaskUpsert)
	s.subs[domain.EventTaskUpdated] = s.rt.On(domain.EventTaskUpdated, s.onTaskUpsert)
	s.subs[domain.EventTaskMoved] = s.rt.On(domain.EventTaskMoved, s.onTaskUpsert)
	s.subs[domain.EventTaskDeleted] = s.rt.On(domain.EventTaskDeleted, s.onTaskDeleted)

	s.unwatch = s.rt.OnConnectionChange(func(connected bool) {
		if !connected || s.queue == nil || s.queue.Len() == 0 {
			return
		}
		go func() {
			if n, err := s.ReplayOffline(ctx); err != nil {
				s.log.Warn().Err(err).Int("applied", n).Msg("offline replay stopped")
			}
		}()
	})
}

// Close detaches from the room channel.
func (s *Service) Close() {
	if s.rt == nil {
		return
	}
	for name, sub := range s.subs {
		s.rt.Off(name, sub)
		delete(s.subs, name)
	}
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
}

func (s *Service) onTaskUpsert(e domain.Event) error {
	var data domain.TaskEventData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return err
	}
	if data.Task == nil || data.Task.ID == "" {
		return errors.New("task event without a task")
	}
	if data.Task.ProjectID != "" && data.Task.ProjectID != s.projectID {
		return nil
	}
	s.store.Confirm(data.Task.ID, data.Task)
	return nil
}

func (s *Service) onTaskDeleted(e domain.Event) error {
	var data domain.TaskDeletedData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return err
	}
	if data.TaskID == "" {
		return errors.New("task:deleted without an id")
	}
	s.store.ConfirmDelete(data.TaskID)
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// boardRead is a task list with the store revision read before it was
// requested. Shared loads reuse both.
type boardRead struct {
	tasks []*domain.Task
	asOf  uint64
}

// Load fetches the board. Concurrent loads share one request. Tasks still
// being created locally are kept, and tasks confirmed after the list was
// requested are left as they are.
func (s *Service) Load(ctx context.Context) ([]*domain.Task, error) {
	read, err := resilience.RunShared(ctx, s.exec, "task.list", s.projectID, func(ctx context.Context) (boardRead, error) {
		asOf := s.store.Revision()
		tasks, err := s.api.ListTasks(ctx, s.projectID)
		return boardRead{tasks: tasks, asOf: asOf}, err
	})
	if err != nil {
		s.onFailure(ctx, asClassified(err))
		return nil, err
	}

	seen := make(map[string]bool, len(read.tasks))
	for _, t := range read.tasks {
		seen[t.ID] = true
		s.store.ConfirmAsOf(t.ID, t.Clone(), read.asOf)
	}
	for _, t := range s.store.Values() {
		if !seen[t.ID] && !domain.IsTempID(t.ID) {
			s.store.ConfirmDeleteAsOf(t.ID, read.asOf)
		}
	}
	return s.Tasks(), nil
}

// Tasks returns the board ordered by column, then position.
func (s *Service) Tasks() []*domain.Task {
	values := s.store.Values()
	tasks := make([]*domain.Task, len(values))
	for i, t := range values {
		tasks[i] = t.Clone()
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Status != b.Status {
			return columnOrder(a.Status) < columnOrder(b.Status)
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
	return tasks
}

// Column returns one column's tasks in position order.
func (s *Service) Column(status domain.TaskStatus) []*domain.Task {
	var column []*domain.Task
	for _, t := range s.Tasks() {
		if t.Status == status {
			column = append(column, t)
		}
	}
	return column
}

// Task returns a task from the local board.
func (s *Service) Task(id string) (*domain.Task, bool) {
	t, ok := s.store.Get(id)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// FetchTask loads one task from the server. Fetches issued within the batch
// window are sent as a single request.
func (s *Service) FetchTask(ctx context.Context, id string) (*domain.Task, error) {
	asOf := s.store.Revision()
	task, err := s.fetcher.Batch(ctx, s.projectID, id)
	if err != nil {
		return nil, asClassified(err)
	}
	if task == nil {
		return nil, apperr.NewClassified(apperr.NotFound("task " + id))
	}
	if !s.store.ConfirmAsOf(task.ID, task, asOf) {
		if current, ok := s.store.Get(task.ID); ok {
			return current.Clone(), nil
		}
	}
	return task.Clone(), nil
}

func (s *Service) fetchBatch(ctx context.Context, ids []string) ([]*domain.Task, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	tasks, err := resilience.Run(ctx, s.exec, "task.get_many", func(ctx context.Context) ([]*domain.Task, error) {
		return s.api.GetTasks(ctx, unique)
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	aligned := make([]*domain.Task, len(ids))
	for i, id := range ids {
		if t, ok := byID[id]; ok {
			aligned[i] = t.Clone()
		}
	}
	return aligned, nil
}

// =============================================================================
// Writes
// =============================================================================

// CreateTask shows the task under a temporary id at once and swaps in the
// server's id when the create succeeds.
func (s *Service) CreateTask(ctx context.Context, input domain.TaskInput) (*domain.Task, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return nil, apperr.NewClassified(apperr.InvalidField("title", "is required"))
	}
	if input.Status == "" {
		input.Status = domain.TaskStatusTodo
	}
	if !input.Status.Valid() {
		return nil, apperr.NewClassified(apperr.InvalidField("status", "unknown column "+string(input.Status)))
	}

	now := s.now()
	tempID := domain.TempIDPrefix + uuid.NewString()
	optimistic := &domain.Task{
		ID:          tempID,
		ProjectID:   s.projectID,
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
		AssignedTo:  input.AssignedTo,
		Labels:      append([]string(nil), input.Labels...),
		Position:    len(s.Column(input.Status)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	task, err := s.ctl.Apply(ctx, "task.create", mutation.Mutation[string, *domain.Task]{
		Key:        tempID,
		Optimistic: optimistic,
		Call: func(ctx context.Context) (*domain.Task, error) {
			return s.api.CreateTask(ctx, s.projectID, input)
		},
		Commit: func(store *mutation.Store[string, *domain.Task], created *domain.Task) {
			store.Replace(tempID, created.ID, created)
		},
	})
	if err != nil {
		return nil, s.queueOnNetwork(ctx, err, domain.ActionTaskCreate, tempID, input)
	}
	return task.Clone(), nil
}

// UpdateTask applies patch locally, then on the server.
func (s *Service) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (*domain.Task, error) {
	current, err := s.editable(taskID)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, apperr.NewClassified(apperr.InvalidField("title", "must not be empty"))
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, apperr.NewClassified(apperr.InvalidField("status", "unknown column "+string(*patch.Status)))
	}

	optimistic := patch.Apply(current)
	optimistic.UpdatedAt = s.now()

	task, err := s.ctl.Apply(ctx, "task.update", mutation.Mutation[string, *domain.Task]{
		Key:        taskID,
		Optimistic: optimistic,
		Call: func(ctx context.Context) (*domain.Task, error) {
			return s.api.UpdateTask(ctx, taskID, patch)
		},
	})
	if err != nil {
		return nil, s.queueOnNetwork(ctx, err, domain.ActionTaskUpdate, taskID, patch)
	}
	return task.Clone(), nil
}

// MoveTask relocates a task to another column or position.
func (s *Service) MoveTask(ctx context.Context, move domain.TaskMove) (*domain.Task, error) {
	current, err := s.editable(move.TaskID)
	if err != nil {
		return nil, err
	}
	if !move.Status.Valid() {
		return nil, apperr.NewClassified(apperr.InvalidField("status", "unknown column "+string(move.Status)))
	}
	if move.Position < 0 {
		return nil, apperr.NewClassified(apperr.InvalidField("position", "must be >= 0"))
	}

	optimistic := current.Clone()
	optimistic.Status = move.Status
	optimistic.Position = move.Position
	optimistic.UpdatedAt = s.now()

	task, err := s.ctl.Apply(ctx, "task.move", mutation.Mutation[string, *domain.Task]{
		Key:        move.TaskID,
		Optimistic: optimistic,
		Call: func(ctx context.Context) (*domain.Task, error) {
			return s.api.MoveTask(ctx, move)
		},
	})
	if err != nil {
		return nil, s.queueOnNetwork(ctx, err, domain.ActionTaskMove, move.TaskID, move)
	}
	return task.Clone(), nil
}

// DeleteTask removes the task locally, then on the server.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.editable(taskID); err != nil {
		return err
	}

	_, err := s.ctl.Apply(ctx, "task.delete", mutation.Mutation[string, *domain.Task]{
		Key:    taskID,
		Remove: true,
		Call: func(ctx context.Context) (*domain.Task, error) {
			return nil, s.api.DeleteTask(ctx, taskID)
		},
	})
	if err != nil {
		return s.queueOnNetwork(ctx, err, domain.ActionTaskDelete, taskID, nil)
	}
	return nil
}

// editable returns the current task, refusing tasks not known to the
// server yet.
func (s *Service) editable(taskID string) (*domain.Task, error) {
	if domain.IsTempID(taskID) {
		return nil, apperr.NewClassified(apperr.Conflict("task is still being created"))
	}
	current, ok := s.store.Get(taskID)
	if !ok {
		return nil, apperr.NewClassified(apperr.NotFound("task " + taskID))
	}
	return current, nil
}

// =============================================================================
// Offline replay
// =============================================================================

// ReplayOffline sends this board's queued writes in enqueue order. It stops
// at the first transport failure and leaves the rest queued. Writes the
// server refuses are parked with status conflict.
func (s *Service) ReplayOffline(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, action := range pending {
		if action.ProjectID != s.projectID || !isTaskAction(action.Type) {
			continue
		}

		action.Status = domain.ActionStatusApplying
		_ = s.queue.Update(ctx, action)

		rerr := s.replay(ctx, action)
		if rerr == nil {
			applied++
			if err := s.queue.Remove(ctx, action.ID); err != nil {
				s.log.Warn().Err(err).Str("action_id", action.ID).Msg("cannot drop replayed action")
			}
			continue
		}

		ce := asClassified(rerr)
		action.LastError = ce.Error()
		switch {
		case ce.Type == apperr.TypeNetwork:
			action.Status = domain.ActionStatusFailed
			action.RetryCount++
			_ = s.queue.Update(ctx, action)
			return applied, ce
		case ce.Code == apperr.CodeConflict || ce.Code == apperr.CodeNotFound:
			action.Status = domain.ActionStatusConflict
		default:
			action.Status = domain.ActionStatusFailed
			action.RetryCount++
		}
		_ = s.queue.Update(ctx, action)

		s.log.Warn().
			Str("action_id", action.ID).
			Str("type", string(action.Type)).
			Str("status", string(action.Status)).
			Str("error_type", string(ce.Type)).
			Msg("queued write refused")
	}

	if applied > 0 {
		s.log.Info().Int("applied", applied).Msg("offline writes replayed")
	}
	return applied, nil
}

func (s *Service) replay(ctx context.Context, action *domain.OfflineAction) error {
	switch action.Type {
	case domain.ActionTaskCreate:
		var input domain.TaskInput
		if err := json.Unmarshal(action.Payload, &input); err != nil {
			return apperr.Validation("corrupt queued create: " + err.Error())
		}
		task, err := resilience.Run(ctx, s.exec, "task.create", func(ctx context.Context) (*domain.Task, error) {
			return s.api.CreateTask(ctx, s.projectID, input)
		})
		if err != nil {
			return err
		}
		s.store.Confirm(task.ID, task)

	case domain.ActionTaskUpdate:
		var patch domain.TaskPatch
		if err := json.Unmarshal(action.Payload, &patch); err != nil {
			return apperr.Validation("corrupt queued update: " + err.Error())
		}
		task, err := resilience.Run(ctx, s.exec, "task.update", func(ctx context.Context) (*domain.Task, error) {
			return s.api.UpdateTask(ctx, action.EntityID, patch)
		})
		if err != nil {
			return err
		}
		s.store.Confirm(task.ID, task)

	case domain.ActionTaskMove:
		var move domain.TaskMove
		if err := json.Unmarshal(action.Payload, &move); err != nil {
			return apperr.Validation("corrupt queued move: " + err.Error())
		}
		task, err := resilience.Run(ctx, s.exec, "task.move", func(ctx context.Context) (*domain.Task, error) {
			return s.api.MoveTask(ctx, move)
		})
		if err != nil {
			return err
		}
		s.store.Confirm(task.ID, task)

	case domain.ActionTaskDelete:
		_, err := resilience.Run(ctx, s.exec, "task.delete", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.api.DeleteTask(ctx, action.EntityID)
		})
		if err != nil {
			return err
		}
		s.store.ConfirmDelete(action.EntityID)
	}
	return nil
}

func isTaskAction(t domain.ActionType) bool {
	switch t {
	case domain.ActionTaskCreate, domain.ActionTaskUpdate, domain.ActionTaskMove, domain.ActionTaskDelete:
		return true
	}
	return false
}

// =============================================================================
// Failure handling
// =============================================================================

// onFailure discards the session on authentication failures.
func (s *Service) onFailure(ctx context.Context, err *apperr.ClassifiedError) {
	if err == nil || err.Type != apperr.TypeAuthentication || s.creds == nil {
		return
	}
	s.log.Warn().Msg("authentication failed; discarding session token")
	s.creds.Clear()
}

// queueOnNetwork keeps a write that failed in transport for replay. The
// caller still gets the error.
func (s *Service) queueOnNetwork(ctx context.Context, err error, typ domain.ActionType, entityID string, payload any) error {
	ce := asClassified(err)
	if s.queue == nil || ce.Type != apperr.TypeNetwork {
		return ce
	}

	action := &domain.OfflineAction{
		Type:      typ,
		ProjectID: s.projectID,
		EntityID:  entityID,
	}
	if payload != nil {
		raw, mErr := json.Marshal(payload)
		if mErr != nil {
			s.log.Error().Err(mErr).Str("type", string(typ)).Msg("cannot queue write")
			return ce
		}
		action.Payload = raw
	}
	if qErr := s.queue.Enqueue(context.WithoutCancel(ctx), action); qErr != nil {
		s.log.Warn().Err(qErr).Str("type", string(typ)).Msg("cannot queue write")
	}
	return ce
}

func asClassified(err error) *apperr.ClassifiedError {
	var ce *apperr.ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return apperr.NewClassified(err)
}

func columnOrder(status domain.TaskStatus) int {
	switch status {
	case domain.TaskStatusTodo:
		return 0
	case domain.TaskStatusInProgress:
		return 1
	case domain.TaskStatusBlocked:
		return 2
	case domain.TaskStatusDone:
		return 3
	}
	return 4
}
