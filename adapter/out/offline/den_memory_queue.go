// Package offline keeps writes that could not reach the server.
package offline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hackerden/core/domain"
	"hackerden/core/port/out"
	"hackerden/pkg/snowflake"
)

// DefaultCapacity bounds the queue; the oldest terminal actions go first.
const DefaultCapacity = 500

// =============================================================================
// MemoryQueue
// =============================================================================

// MemoryQueue is an in-process out.OfflineQueue. Action ids are snowflake
// ids, so Pending returns actions in the order they were queued.
type MemoryQueue struct {
	mu       sync.Mutex
	actions  map[string]*domain.OfflineAction
	ids      *snowflake.Generator
	capacity int
	log      zerolog.Logger
}

var _ out.OfflineQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue. capacity <= 0 uses DefaultCapacity.
func NewMemoryQueue(ids *snowflake.Generator, capacity int, log zerolog.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{
		actions:  make(map[string]*domain.OfflineAction),
		ids:      ids,
		capacity: capacity,
		log:      log.With().Str("component", "offline_queue").Logger(),
	}
}

// Enqueue stores a copy of action, assigning its id and timestamps.
func (q *MemoryQueue) Enqueue(ctx context.Context, action *domain.OfflineAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.actions) >= q.capacity && !q.evictLocked() {
		return fmt.Errorf("offline queue full (%d actions)", q.capacity)
	}

	a := *action
	if a.ID == "" {
		a.ID = q.ids.NextString()
	}
	if a.Status == "" {
		a.Status = domain.ActionStatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	q.actions[a.ID] = &a
	action.ID = a.ID

	q.log.Info().
		Str("action_id", a.ID).
		Str("type", string(a.Type)).
		Str("entity_id", a.EntityID).
		Int("queued", len(q.actions)).
		Msg("write queued for replay")
	return nil
}

// Update replaces a stored action.
func (q *MemoryQueue) Update(ctx context.Context, action *domain.OfflineAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.actions[action.ID]; !ok {
		return fmt.Errorf("offline action %s not found", action.ID)
	}
	a := *action
	q.actions[a.ID] = &a
	return nil
}

// Remove deletes an action; unknown ids are ignored.
func (q *MemoryQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	delete(q.actions, id)
	q.mu.Unlock()
	return nil
}

// Pending returns copies of pending and retryable actions, oldest first.
func (q *MemoryQueue) Pending(ctx context.Context) ([]*domain.OfflineAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.OfflineAction, 0, len(q.actions))
	for _, a := range q.actions {
		if a.IsPending() || a.CanRetry() {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored actions.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// evictLocked drops the oldest terminal action to make room.
func (q *MemoryQueue) evictLocked() bool {
	var oldest string
	for id, a := range q.actions {
		if a.IsTerminal() && (oldest == "" || id < oldest) {
			oldest = id
		}
	}
	if oldest == "" {
		return false
	}
	delete(q.actions, oldest)
	return true
}
