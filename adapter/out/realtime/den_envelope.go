// Package realtime provides the room channel client: the websocket
// transport and the ConnectionManager that keeps a session alive.
package realtime

import (
	stdjson "encoding/json"
	"fmt"

	"github.com/goccy/go-json"

	"hackerden/core/domain"
)

// envelope is the wire frame: {"event": "...", "data": {...}}.
type envelope struct {
	Event domain.EventName   `json:"event"`
	Room  string             `json:"room,omitempty"`
	Data  stdjson.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an outgoing event.
func EncodeFrame(name domain.EventName, data any) ([]byte, error) {
	var raw stdjson.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", name, err)
		}
		raw = b
	}
	return json.Marshal(envelope{Event: name, Data: raw})
}

// DecodeFrame parses an incoming frame.
func DecodeFrame(frame []byte) (domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return domain.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return domain.Event{}, fmt.Errorf("decode frame: missing event name")
	}
	return domain.Event{Name: env.Event, Room: env.Room, Payload: env.Data}, nil
}

// DecodePayload unmarshals an event's data into v.
func DecodePayload(event domain.Event, v any) error {
	if len(event.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", event.Name)
	}
	if err := json.Unmarshal(event.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", event.Name, err)
	}
	return nil
}
