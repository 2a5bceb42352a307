package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hackerden/adapter/out/realtime"
	"hackerden/core/domain"
)

// Error codes sent in error events.
const (
	CodeInvalidFrame = "INVALID_FRAME"
	CodeNotInRoom    = "NOT_IN_ROOM"
	CodeRateLimited  = "RATE_LIMITED"
	CodeUnknownEvent = "UNKNOWN_EVENT"
)

// client is one websocket connection. Only its read loop changes its room.
type client struct {
	id     string
	userID string
	label  string
	room   string // guarded by Hub.mu

	conn   *websocket.Conn
	send   chan []byte
	server *Server
	log    zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// enqueue queues frame without blocking. It reports false when the buffer
// is full or the client is gone.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) emit(name domain.EventName, data any) {
	frame, err := realtime.EncodeFrame(name, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(name)).Msg("cannot encode frame")
		return
	}
	if !c.enqueue(frame) {
		c.log.Warn().Str("event", string(name)).Msg("dropped frame due to full buffer")
	}
}

func (c *client) fail(code, message string) {
	c.emit(domain.EventError, domain.ErrorData{Code: code, Message: message})
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// =============================================================================
// Pumps
// =============================================================================

// readLoop handles inbound frames until the connection ends.
func (c *client) readLoop(ctx context.Context) {
	cfg := c.server.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.handle(ctx, frame)
	}
}

// writeLoop drains the send buffer and keeps the connection alive.
func (c *client) writeLoop() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// =============================================================================
// Protocol
// =============================================================================

func (c *client) handle(ctx context.Context, frame []byte) {
	event, err := realtime.DecodeFrame(frame)
	if err != nil {
		c.fail(CodeInvalidFrame, err.Error())
		return
	}

	switch event.Name {
	case domain.EventJoinRoom:
		var data domain.JoinRoomData
		if err := realtime.DecodePayload(event, &data); err != nil || data.RoomID == "" {
			c.fail(CodeInvalidFrame, "join-room requires roomId")
			return
		}
		c.server.hub.join(c, data.RoomID, data.Label)

	case domain.EventLeaveRoom:
		c.server.hub.leave(c)

	default:
		if !event.Name.IsDomain() {
			c.fail(CodeUnknownEvent, "unknown event "+string(event.Name))
			return
		}
		if err := c.relay(ctx, event); err != nil {
			var re *relayError
			if errors.As(err, &re) {
				c.fail(re.code, re.message)
				return
			}
			c.log.Warn().Err(err).Str("event", string(event.Name)).Msg("relay failed")
		}
	}
}

type relayError struct {
	code    string
	message string
}

func (e *relayError) Error() string { return e.code + ": " + e.message }

// relay forwards a domain event to the rest of the sender's room.
func (c *client) relay(ctx context.Context, event domain.Event) error {
	room := c.server.hub.roomOf(c)
	if room == "" {
		return &relayError{CodeNotInRoom, "join a room before sending " + string(event.Name)}
	}
	if lim := c.server.cfg.Limiter; lim != nil {
		if ok, wait := lim.Allow(ctx, c.id); !ok {
			return &relayError{CodeRateLimited, "slow down; retry in " + wait.Round(time.Millisecond).String()}
		}
	}

	frame, err := realtime.EncodeFrame(event.Name, event.Payload)
	if err != nil {
		return err
	}
	c.server.hub.broadcast(room, c, string(event.Name), frame)
	return nil
}
