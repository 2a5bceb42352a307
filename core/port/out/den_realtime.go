package out

import (
	"context"

	"hackerden/core/domain"
)

// EventHandler receives one room event. A returned error is logged and does
// not stop delivery to other handlers.
type EventHandler func(event domain.Event) error

// ConnectionListener is told about every connect (true) and every
// disconnect or give-up (false).
type ConnectionListener func(connected bool)

// Subscription identifies a registered handler so it can be removed.
type Subscription uint64

// RealtimeClient is the room channel as the services see it.
type RealtimeClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Reconnect(ctx context.Context) error

	JoinRoom(roomID, label string) error
	LeaveRoom() error
	Emit(event domain.EventName, data any) error

	On(event domain.EventName, handler EventHandler) Subscription
	Off(event domain.EventName, sub Subscription)
	OnConnectionChange(listener ConnectionListener) (unsubscribe func())

	State() domain.ConnectionState
}
