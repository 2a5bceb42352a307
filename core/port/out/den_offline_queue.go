package out

import (
	"context"

	"hackerden/core/domain"
)

// =============================================================================
// OfflineQueue - writes waiting for connectivity
// =============================================================================

type OfflineQueue interface {
	Enqueue(ctx context.Context, action *domain.OfflineAction) error
	Update(ctx context.Context, action *domain.OfflineAction) error
	Remove(ctx context.Context, id string) error

	// Pending returns replayable actions in enqueue order.
	Pending(ctx context.Context) ([]*domain.OfflineAction, error)
	Len() int
}
