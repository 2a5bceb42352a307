// Package relay is the room server the client talks to in development:
// it accepts websocket clients, tracks room membership and fans domain
// events out to everyone else in the room.
package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"hackerden/adapter/out/realtime"
	"hackerden/core/domain"
	"hackerden/pkg/metrics"
)

const (
	sourceLocal = "local"
	sourceRedis = "redis"
)

// =============================================================================
// Hub
// =============================================================================

// Hub owns room membership. Frames are queued on each client's buffered
// send channel; a client whose buffer is full misses the frame.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}

	bus     Bus // optional
	metrics *metrics.Collector
	log     zerolog.Logger

	sent    int64
	dropped int64
}

// NewHub creates a hub. bus may be nil for a single instance.
func NewHub(bus Bus, m *metrics.Collector, log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
		bus:     bus,
		metrics: m,
		log:     log.With().Str("component", "relay_hub").Logger(),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetRelayClients(n)
	h.log.Debug().Str("client_id", c.id).Int("clients", n).Msg("client connected")
}

// remove drops c and tells its room it left.
func (h *Hub) remove(c *client) {
	h.leave(c)

	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetRelayClients(n)
	h.log.Debug().Str("client_id", c.id).Int("clients", n).Msg("client disconnected")
}

// join moves c into room. The joiner gets joined-room with the current
// members; everyone else gets user-joined.
func (h *Hub) join(c *client, room, label string) {
	h.leave(c)

	h.mu.Lock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.room = room
	if label != "" {
		c.label = label
	}
	presence := make([]domain.PresenceData, 0, len(members))
	for m := range members {
		presence = append(presence, domain.PresenceData{ClientID: m.id, Label: m.label})
	}
	rooms := len(h.rooms)
	h.mu.Unlock()

	sort.Slice(presence, func(i, j int) bool { return presence[i].ClientID < presence[j].ClientID })
	h.metrics.SetRelayRooms(rooms)

	c.emit(domain.EventJoinedRoom, domain.JoinedRoomData{RoomID: room, Members: presence})
	h.broadcastEvent(room, c, domain.EventUserJoined, domain.PresenceData{ClientID: c.id, Label: c.label})

	h.log.Info().Str("client_id", c.id).Str("room", room).Int("members", len(presence)).Msg("joined room")
}

// leave takes c out of its room, if any.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	room := c.room
	if room == "" {
		h.mu.Unlock()
		return
	}
	c.room = ""
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRelayRooms(rooms)
	h.broadcastEvent(room, c, domain.EventUserLeft, domain.PresenceData{ClientID: c.id, Label: c.label})
	h.log.Info().Str("client_id", c.id).Str("room", room).Msg("left room")
}

func (h *Hub) roomOf(c *client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.room
}

func (h *Hub) broadcastEvent(room string, except *client, name domain.EventName, data any) {
	frame, err := realtime.EncodeFrame(name, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(name)).Msg("cannot encode frame")
		return
	}
	h.broadcast(room, except, string(name), frame)
}

// broadcast delivers frame to the room on this instance and publishes it
// for the other instances.
func (h *Hub) broadcast(room string, except *client, event string, frame []byte) {
	h.deliver(room, except, event, sourceLocal, frame)
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(context.Background(), room, event, frame); err != nil {
		h.log.Warn().Err(err).Str("room", room).Msg("cross-instance publish failed")
	}
}

// deliver queues frame for every local member of room except one.
func (h *Hub) deliver(room string, except *client, event, source string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
			h.metrics.IncRelayMessage(event, source)
			continue
		}
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.log.Warn().
			Str("client_id", c.id).
			Str("room", room).
			Str("event", event).
			Msg("dropped frame due to full buffer")
	}

	h.mu.Lock()
	h.sent += int64(delivered)
	h.mu.Unlock()
	return delivered
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Clients         int   `json:"clients"`
	Rooms           int   `json:"rooms"`
	MessagesSent    int64 `json:"messages_sent"`
	MessagesDropped int64 `json:"messages_dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Clients:         len(h.clients),
		Rooms:           len(h.rooms),
		MessagesSent:    h.sent,
		MessagesDropped: h.dropped,
	}
}

// Members returns the client ids in room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		ids = append(ids, c.id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
