package domain

import (
	"encoding/json"
)

// =============================================================================
// Room Events
// =============================================================================

// EventName identifies a message on the room channel
type EventName string

const (
	// Project events
	EventProjectUpdated EventName = "project:updated"
	EventMemberJoined   EventName = "member:joined"
	EventMemberLeft     EventName = "member:left"
	EventPivotLogged    EventName = "pivot:logged"

	// Task events
	EventTaskCreated EventName = "task:created"
	EventTaskUpdated EventName = "task:updated"
	EventTaskMoved   EventName = "task:moved"
	EventTaskDeleted EventName = "task:deleted"

	// Room membership
	EventJoinRoom   EventName = "join-room"
	EventLeaveRoom  EventName = "leave-room"
	EventJoinedRoom EventName = "joined-room"
	EventUserJoined EventName = "user-joined"
	EventUserLeft   EventName = "user-left"
	EventError      EventName = "error"

	// Synthetic local events
	EventConnect      EventName = "connect"
	EventDisconnect   EventName = "disconnect"
	EventConnectError EventName = "connect_error"
)

// IsDomain reports whether the event carries entity state the relay fans
// out to the room.
func (e EventName) IsDomain() bool {
	switch e {
	case EventProjectUpdated, EventMemberJoined, EventMemberLeft, EventPivotLogged,
		EventTaskCreated, EventTaskUpdated, EventTaskMoved, EventTaskDeleted:
		return true
	}
	return false
}

// Event is a single delivery on the room channel. It is dispatched to
// handlers and then discarded.
type Event struct {
	Name    EventName       `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// =============================================================================
// Payloads
// =============================================================================

// JoinRoomData is sent by the client to enter a room
type JoinRoomData struct {
	RoomID string `json:"roomId"`
	Label  string `json:"label,omitempty"`
}

// JoinedRoomData acknowledges a join
type JoinedRoomData struct {
	RoomID  string         `json:"roomId"`
	Members []PresenceData `json:"members,omitempty"`
}

// PresenceData announces a user entering or leaving a room
type PresenceData struct {
	ClientID string `json:"clientId"`
	Label    string `json:"label,omitempty"`
}

// ErrorData is the server's error event body
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TaskEventData carries a full task for created/updated events
type TaskEventData struct {
	Task *Task `json:"task"`
}

// TaskDeletedData identifies a removed task
type TaskDeletedData struct {
	TaskID string `json:"taskId"`
}

// ProjectEventData carries the full project
type ProjectEventData struct {
	Project *Project `json:"project"`
}

// MemberEventData carries a member change
type MemberEventData struct {
	ProjectID string `json:"projectId"`
	Member    Member `json:"member"`
}

// PivotEventData carries a logged pivot
type PivotEventData struct {
	Pivot Pivot `json:"pivot"`
}
