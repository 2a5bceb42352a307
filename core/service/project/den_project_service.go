// Package project keeps the project header, member list and pivot log in
// sync with the server and the room channel.
package project

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

type Config struct {
	ProjectID   string
	Projects    out.ProjectAPI
	Realtime    out.RealtimeClient  // optional
	Queue       out.OfflineQueue    // optional
	Credentials out.CredentialStore // optional
	Executor    *resilience.Executor
	Metrics     *metrics.Collector
	Logger      zerolog.Logger
}

// Service implements in.ProjectService. The store holds a single entry
// keyed by the project id.
type Service struct {
	projectID string
	api       out.ProjectAPI
	rt        out.RealtimeClient
	queue     out.OfflineQueue
	creds     out.CredentialStore
	exec      *resilience.Executor
	log       zerolog.Logger

	store *mutation.Store[string, *domain.Project]
	ctl   *mutation.Controller[string, *domain.Project]

	replayMu sync.Mutex
	subs     map[domain.EventName]out.Subscription
	unwatch  func()

	now func() time.Time
}

var _ in.ProjectService = (*Service)(nil)

func NewService(cfg Config) *Service {
	s := &Service{
		projectID: cfg.ProjectID,
		api:       cfg.Projects,
		rt:        cfg.Realtime,
		queue:     cfg.Queue,
		creds:     cfg.Credentials,
		exec:      cfg.Executor,
		log:       cfg.Logger.With().Str("component", "project").Str("project_id", cfg.ProjectID).Logger(),
		store:     mutation.NewStore[string, *domain.Project](),
		subs:      make(map[domain.EventName]out.Subscription),
		now:       time.Now,
	}
	s.ctl = mutation.NewController(s.store, s.exec, mutation.ControllerConfig{
		Entity:  "project",
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})
	s.ctl.OnFailure(s.onFailure)
	return s
}

// OnChange observes every write to the project.
func (s *Service) OnChange(fn func(p *domain.Project)) func() {
	return s.store.OnChange(func(_ string, p *domain.Project, present bool) {
		if present {
			fn(p)
		}
	})
}

// Load fetches the project. Concurrent loads share one request.
func (s *Service) Load(ctx context.Context) (*domain.Project, error) {
	read, err := resilience.RunShared(ctx, s.exec, "project.get", s.projectID, func(ctx context.Context) (projectRead, error) {
		asOf := s.store.Revision()
		p, err := s.api.GetProject(ctx, s.projectID)
		return projectRead{project: p, asOf: asOf}, err
	})
	if err != nil {
		s.onFailure(ctx, asClassified(err))
		return nil, err
	}
	s.store.ConfirmAsOf(s.projectID, read.project.Clone(), read.asOf)

	current, ok := s.store.Get(s.projectID)
	if !ok {
		return nil, apperr.NewClassified(apperr.NotFound("project " + s.projectID))
	}
	return current.Clone(), nil
}

// projectRead is a fetched project with the store revision read before it
// was requested.
type projectRead struct {
	project *domain.Project
	asOf    uint64
}

// Project returns the local copy.
func (s *Service) Project() (*domain.Project, bool) {
	p, ok := s.store.Get(s.projectID)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Members returns the member list sorted by join time.
func (s *Service) Members() []domain.Member {
	p, ok := s.store.Get(s.projectID)
	if !ok {
		return nil
	}
	members := append([]domain.Member(nil), p.Members...)
	sort.SliceStable(members, func(i, j int) bool { return members[i].JoinedAt.Before(members[j].JoinedAt) })
	return members
}

// UpdateProject applies patch locally, then on the server.
func (s *Service) UpdateProject(ctx context.Context, patch domain.ProjectPatch) (*domain.Project, error) {
	current, ok := s.store.Get(s.projectID)
	if !ok {
		return nil, apperr.NewClassified(apperr.NotFound("project " + s.projectID))
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, apperr.NewClassified(apperr.InvalidField("name", "must not be empty"))
	}

	optimistic := patch.Apply(current)
	optimistic.UpdatedAt = s.now()

	p, err := s.ctl.Apply(ctx, "project.update", mutation.Mutation[string, *domain.Project]{
		Key:        s.projectID,
		Optimistic: optimistic,
		Call: func(ctx context.Context) (*domain.Project, error) {
			return s.api.UpdateProject(ctx, s.projectID, patch)
		},
		Commit: s.mergeProject,
	})
	if err != nil {
		return nil, s.queueOnNetwork(ctx, err, domain.ActionProjectUpdate, patch)
	}
	return p.Clone(), nil
}

// LogPivot appends a pivot to the log at once; the server's record
// replaces the local one when it answers.
func (s *Service) LogPivot(ctx context.Context, input domain.PivotInput) (*domain.Pivot, error) {
	input.Description = strings.TrimSpace(input.Description)
	if input.Description == "" {
		return nil, apperr.NewClassified(apperr.InvalidField("description", "is required"))
	}
	current, ok := s.store.Get(s.projectID)
	if !ok {
		return nil, apperr.NewClassified(apperr.NotFound("project " + s.projectID))
	}

	local := domain.Pivot{
		ID:          domain.TempIDPrefix + uuid.NewString(),
		ProjectID:   s.projectID,
		Description: input.Description,
		Reason:      input.Reason,
		CreatedAt:   s.now(),
	}
	optimistic := current.Clone()
	optimistic.Pivots = append(optimistic.Pivots, local)

	var logged *domain.Pivot
	_, err := s.ctl.Apply(ctx, "pivot.log", mutation.Mutation[string, *domain.Project]{
		Key:        s.projectID,
		Optimistic: optimistic,
		Call: func(ctx context.Context) (*domain.Project, error) {
			pv, err := s.api.LogPivot(ctx, s.projectID, input)
			if err != nil {
				return nil, err
			}
			logged = pv
			return nil, nil
		},
		Commit: func(store *mutation.Store[string, *domain.Project], _ *domain.Project) {
			p, ok := store.Get(s.projectID)
			if !ok {
				return
			}
			store.Confirm(s.projectID, withPivot(p, *logged))
		},
	})
	if err != nil {
		return nil, s.queueOnNetwork(ctx, err, domain.ActionPivotLog, input)
	}
	pv := *logged
	return &pv, nil
}

// mergeProject confirms the server's project, keeping the member list and
// pivot log when the answer leaves them out.
func (s *Service) mergeProject(store *mutation.Store[string, *domain.Project], p *domain.Project) {
	merged := p.Clone()
	if cur, ok := store.Get(s.projectID); ok {
		if merged.Members == nil {
			merged.Members = append([]domain.Member(nil), cur.Members...)
		}
		if merged.Pivots == nil {
			merged.Pivots = confirmedPivots(cur.Pivots)
		}
	}
	store.Confirm(s.projectID, merged)
}

// =============================================================================
// Realtime
// =============================================================================

func (s *Service) Start(ctx context.Context) {
	if s.rt == nil {
		return
	}
	s.subs[domain.EventProjectUpdated] = s.rt.On(domain.EventProjectUpdated, s.onProjectUpdated)
	s.subs[domain.EventMemberJoined] = s.rt.On(domain.EventMemberJoined, s.onMemberJoined)
	s.subs[domain.EventMemberLeft] = s.rt.On(domain.EventMemberLeft, s.onMemberLeft)
	s.subs[domain.EventPivotLogged] = s.rt.On(domain.EventPivotLogged, s.onPivotLogged)

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

func (s *Service) onProjectUpdated(e domain.Event) error {
	var data domain.ProjectEventData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return err
	}
	if data.Project == nil || data.Project.ID != s.projectID {
		return nil
	}
	s.mergeProject(s.store, data.Project)
	return nil
}

func (s *Service) onMemberJoined(e domain.Event) error {
	var data domain.MemberEventData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return err
	}
	if data.ProjectID != "" && data.ProjectID != s.projectID {
		return nil
	}
	s.patchConfirmed(func(p *domain.Project) {
		for i, m := range p.Members {
			if m.UserID == data.Member.UserID {
				p.Members[i] = data.Member
				return
			}
		}
		p.Members = append(p.Members, data.Member)
	})
	return nil
}

func (s *Service) onMemberLeft(e domain.Event) error {
	var data domain.MemberEventData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return err
	}
	if data.ProjectID != "" && data.ProjectID != s.projectID {
		return nil
	}
	s.patchConfirmed(func(p *domain.Project) {
		kept := p.Members[:0]
		for _, m := range p.Members {
			if m.UserID != data.Member.UserID {
				kept = append(kept, m)
			}
		}
		p.Members = kept
	})
	return nil
}

func (s *Service) onPivotLogged(e domain.Event) error {
	var data domain.PivotEventData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return err
	}
	if data.Pivot.ProjectID != "" && data.Pivot.ProjectID != s.projectID {
		return nil
	}
	s.patchConfirmed(func(p *domain.Project) {
		*p = *withPivot(p, data.Pivot)
	})
	return nil
}

// patchConfirmed edits a copy of the current project and confirms it.
// Events arriving before the first Load are dropped.
func (s *Service) patchConfirmed(edit func(p *domain.Project)) {
	cur, ok := s.store.Get(s.projectID)
	if !ok {
		return
	}
	next := cur.Clone()
	edit(next)
	s.store.Confirm(s.projectID, next)
}

// withPivot returns p with pv in its log, replacing a local placeholder or
// an earlier copy of the same pivot.
func withPivot(p *domain.Project, pv domain.Pivot) *domain.Project {
	c := p.Clone()
	pivots := confirmedPivots(c.Pivots)
	for i := range pivots {
		if pivots[i].ID == pv.ID {
			pivots[i] = pv
			c.Pivots = pivots
			return c
		}
	}
	c.Pivots = append(pivots, pv)
	return c
}

func confirmedPivots(pivots []domain.Pivot) []domain.Pivot {
	kept := make([]domain.Pivot, 0, len(pivots))
	for _, pv := range pivots {
		if !domain.IsTempID(pv.ID) {
			kept = append(kept, pv)
		}
	}
	return kept
}

// =============================================================================
// Offline replay
// =============================================================================

// ReplayOffline sends this project's queued writes in enqueue order and
// stops at the first transport failure.
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
		if action.ProjectID != s.projectID ||
			(action.Type != domain.ActionProjectUpdate && action.Type != domain.ActionPivotLog) {
			continue
		}

		action.Status = domain.ActionStatusApplying
		_ = s.queue.Update(ctx, action)

		if rerr := s.replay(ctx, action); rerr != nil {
			ce := asClassified(rerr)
			action.LastError = ce.Error()
			if ce.Code == apperr.CodeConflict || ce.Code == apperr.CodeNotFound {
				action.Status = domain.ActionStatusConflict
			} else {
				action.Status = domain.ActionStatusFailed
				action.RetryCount++
			}
			_ = s.queue.Update(ctx, action)
			if ce.Type == apperr.TypeNetwork {
				return applied, ce
			}
			continue
		}

		applied++
		_ = s.queue.Remove(ctx, action.ID)
	}
	return applied, nil
}

func (s *Service) replay(ctx context.Context, action *domain.OfflineAction) error {
	switch action.Type {
	case domain.ActionProjectUpdate:
		var patch domain.ProjectPatch
		if err := json.Unmarshal(action.Payload, &patch); err != nil {
			return apperr.Validation("corrupt queued project update: " + err.Error())
		}
		p, err := resilience.Run(ctx, s.exec, "project.update", func(ctx context.Context) (*domain.Project, error) {
			return s.api.UpdateProject(ctx, s.projectID, patch)
		})
		if err != nil {
			return err
		}
		s.mergeProject(s.store, p)

	case domain.ActionPivotLog:
		var input domain.PivotInput
		if err := json.Unmarshal(action.Payload, &input); err != nil {
			return apperr.Validation("corrupt queued pivot: " + err.Error())
		}
		pv, err := resilience.Run(ctx, s.exec, "pivot.log", func(ctx context.Context) (*domain.Pivot, error) {
			return s.api.LogPivot(ctx, s.projectID, input)
		})
		if err != nil {
			return err
		}
		s.patchConfirmed(func(p *domain.Project) { *p = *withPivot(p, *pv) })
	}
	return nil
}

// =============================================================================
// Failure handling
// =============================================================================

func (s *Service) onFailure(ctx context.Context, err *apperr.ClassifiedError) {
	if err == nil || err.Type != apperr.TypeAuthentication || s.creds == nil {
		return
	}
	s.log.Warn().Msg("authentication failed; discarding session token")
	s.creds.Clear()
}

func (s *Service) queueOnNetwork(ctx context.Context, err error, typ domain.ActionType, payload any) error {
	ce := asClassified(err)
	if s.queue == nil || ce.Type != apperr.TypeNetwork {
		return ce
	}
	raw, mErr := json.Marshal(payload)
	if mErr != nil {
		return ce
	}
	action := &domain.OfflineAction{
		Type:      typ,
		ProjectID: s.projectID,
		EntityID:  s.projectID,
		Payload:   raw,
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
