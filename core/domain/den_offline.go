package domain

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Offline Action Queue
// =============================================================================
//
// Writes that failed with a transport error are kept and replayed when the
// connection returns.

// ActionType names the remote write to replay
type ActionType string

const (
	ActionTaskCreate    ActionType = "task.create"
	ActionTaskUpdate    ActionType = "task.update"
	ActionTaskMove      ActionType = "task.move"
	ActionTaskDelete    ActionType = "task.delete"
	ActionProjectUpdate ActionType = "project.update"
	ActionPivotLog      ActionType = "pivot.log"
)

// ActionStatus tracks an action through replay
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusApplying  ActionStatus = "applying"
	ActionStatusApplied   ActionStatus = "applied"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusConflict  ActionStatus = "conflict"
	ActionStatusCancelled ActionStatus = "cancelled"
)

// MaxActionRetries bounds replays of a single action.
const MaxActionRetries = 3

// OfflineAction is a queued remote write
type OfflineAction struct {
	ID        string          `json:"id"`
	Type      ActionType      `json:"type"`
	Status    ActionStatus    `json:"status"`
	ProjectID string          `json:"projectId"`
	EntityID  string          `json:"entityId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	AppliedAt  *time.Time `json:"appliedAt,omitempty"`
	RetryCount int        `json:"retryCount"`
	LastError  string     `json:"lastError,omitempty"`
}

// IsPending returns true if the action is waiting to be replayed
func (a *OfflineAction) IsPending() bool {
	return a.Status == ActionStatusPending
}

// CanRetry returns true if a failed action may be replayed again
func (a *OfflineAction) CanRetry() bool {
	return a.Status == ActionStatusFailed && a.RetryCount < MaxActionRetries
}

// IsTerminal returns true if the action will not be replayed again
func (a *OfflineAction) IsTerminal() bool {
	return a.Status == ActionStatusApplied ||
		a.Status == ActionStatusCancelled ||
		a.Status == ActionStatusConflict ||
		(a.Status == ActionStatusFailed && a.RetryCount >= MaxActionRetries)
}
