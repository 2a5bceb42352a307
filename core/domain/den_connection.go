package domain

// ConnectionState is a snapshot of the realtime session
type ConnectionState struct {
	Connected            bool   `json:"connected"`
	ReconnectAttempts    int    `json:"reconnectAttempts"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
	RoomID               string `json:"roomId,omitempty"`
	Label                string `json:"label,omitempty"`
}

// InRoom reports whether a room membership is recorded.
func (s ConnectionState) InRoom() bool {
	return s.RoomID != ""
}

// GaveUp reports whether automatic reconnection has stopped.
func (s ConnectionState) GaveUp() bool {
	return !s.Connected && s.ReconnectAttempts >= s.MaxReconnectAttempts
}
