package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"hackerden/core/domain"
	"hackerden/core/port/out"
	"hackerden/pkg/apperr"
	"hackerden/pkg/metrics"
	"hackerden/pkg/resilience"
)

// DefaultMaxReconnectAttempts bounds automatic reconnection.
const DefaultMaxReconnectAttempts = 5

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	MaxReconnectAttempts int                    // default: 5; negative disables automatic reconnection
	Backoff              resilience.RetryConfig // spacing of automatic attempts
	Metrics              *metrics.Collector
	Logger               zerolog.Logger
}

type handlerEntry struct {
	id uint64
	fn out.EventHandler
}

type listenerEntry struct {
	id uint64
	fn out.ConnectionListener
}

// =============================================================================
// ConnectionManager
// =============================================================================

// ConnectionManager owns the single room channel. It records room
// membership, rejoins after every successful connect before telling
// anyone, and fans incoming events out to subscribers.
type ConnectionManager struct {
	dialer      Dialer
	maxAttempts int
	backoff     resilience.RetryConfig
	metrics     *metrics.Collector
	log         zerolog.Logger

	mu        sync.Mutex
	conn      Conn
	connected bool
	attempts  int
	roomID    string
	label     string
	active    bool   // automatic reconnection allowed
	gen       uint64 // bumped on teardown; stale goroutines exit
	cancel    context.CancelFunc

	subMu     sync.RWMutex
	handlers  map[domain.EventName][]handlerEntry
	listeners []listenerEntry
	nextID    uint64
}

var _ out.RealtimeClient = (*ConnectionManager)(nil)

// NewConnectionManager creates a manager that dials through dialer.
func NewConnectionManager(dialer Dialer, cfg ManagerConfig) *ConnectionManager {
	switch {
	case cfg.MaxReconnectAttempts == 0:
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case cfg.MaxReconnectAttempts < 0:
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = resilience.DefaultRetryConfig()
	}

	return &ConnectionManager{
		dialer:      dialer,
		maxAttempts: cfg.MaxReconnectAttempts,
		backoff:     cfg.Backoff,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.With().Str("component", "connection_manager").Logger(),
		handlers:    make(map[domain.EventName][]handlerEntry),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Connect opens the channel. It is a no-op while a session is live or
// reconnecting. A failed first dial is returned, and reconnection keeps
// going in the background.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = true
	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			m.stop(gen)
			return apperr.Network(ctx.Err())
		}
		if m.failed(gen, err) {
			go m.run(runCtx, gen, nil)
		}
		return apperr.Network(err)
	}

	if !m.established(gen, conn) {
		_ = conn.Close()
		return nil
	}
	go m.run(runCtx, gen, conn)
	return nil
}

// Disconnect tears the channel down and forgets the room.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.roomID, m.label = "", ""
	m.mu.Unlock()

	return m.teardown(false)
}

// Reconnect rebuilds the channel from scratch with a fresh attempt budget.
// Room membership survives and is rejoined.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	if err := m.teardown(true); err != nil {
		m.log.Debug().Err(err).Msg("close before reconnect")
	}
	return m.Connect(ctx)
}

func (m *ConnectionManager) teardown(resetAttempts bool) error {
	m.mu.Lock()
	wasActive := m.active
	m.active = false
	m.gen++
	cancel := m.cancel
	m.cancel = nil
	conn := m.conn
	m.conn = nil
	m.connected = false
	if resetAttempts {
		m.attempts = 0
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close()
		m.dispatch(domain.Event{Name: domain.EventDisconnect})
	}
	if wasActive || conn != nil {
		m.metrics.SetConnected(false)
		m.notify(false)
	}
	return err
}

// run serves conn and redials after it drops, until the session is torn
// down or the attempt budget is spent.
func (m *ConnectionManager) run(ctx context.Context, gen uint64, conn Conn) {
	for {
		if conn != nil {
			err := m.serve(conn)
			if !m.lost(gen, conn, err) {
				return
			}
		}
		if conn = m.redial(ctx, gen); conn == nil {
			return
		}
	}
}

func (m *ConnectionManager) serve(conn Conn) error {
	for {
		frame, err := conn.Read()
		if err != nil {
			return err
		}
		event, err := DecodeFrame(frame)
		if err != nil {
			m.log.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping malformed frame")
			continue
		}
		m.dispatch(event)
	}
}

// redial dials until a connection is established or the budget runs out.
func (m *ConnectionManager) redial(ctx context.Context, gen uint64) Conn {
	for {
		m.mu.Lock()
		if !m.active || m.gen != gen {
			m.mu.Unlock()
			return nil
		}
		attempt := m.attempts
		m.mu.Unlock()

		m.metrics.IncReconnect()
		delay := m.backoff.Delay(attempt + 1)
		m.log.Debug().Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil || !m.failed(gen, err) {
				return nil
			}
			continue
		}
		if m.established(gen, conn) {
			return conn
		}
		_ = conn.Close()
		return nil
	}
}

// established publishes conn as the live channel. The recorded room is
// rejoined on conn before it becomes visible to Emit or to listeners. The
// join is written outside m.mu, so a membership change that lands during
// the write is replayed before conn is published.
func (m *ConnectionManager) established(gen uint64, conn Conn) bool {
	var joined, joinedLabel string
	for {
		m.mu.Lock()
		if !m.active || m.gen != gen {
			m.mu.Unlock()
			return false
		}
		roomID, label := m.roomID, m.label
		if roomID == joined && label == joinedLabel {
			m.conn = conn
			m.connected = true
			m.attempts = 0
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		m.rejoin(conn, joined, roomID, label)
		joined, joinedLabel = roomID, label
	}

	m.log.Info().Msg("connected")
	m.metrics.SetConnected(true)
	m.notify(true)
	m.dispatch(domain.Event{Name: domain.EventConnect})
	return true
}

// rejoin moves conn from the room it already joined to roomID. An empty
// roomID only leaves.
func (m *ConnectionManager) rejoin(conn Conn, joined, roomID, label string) {
	if joined != "" && joined != roomID {
		if err := send(conn, domain.EventLeaveRoom, nil); err != nil {
			m.log.Warn().Err(err).Str("room_id", joined).Msg("leave before rejoin failed")
		}
	}
	if roomID == "" {
		return
	}
	if err := send(conn, domain.EventJoinRoom, domain.JoinRoomData{RoomID: roomID, Label: label}); err != nil {
		m.log.Warn().Err(err).Str("room_id", roomID).Msg("rejoin failed")
		return
	}
	m.log.Info().Str("room_id", roomID).Msg("rejoined room")
}

// lost handles a dropped channel and reports whether to redial.
func (m *ConnectionManager) lost(gen uint64, conn Conn, cause error) bool {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	m.connected = false
	active := m.active
	m.mu.Unlock()

	_ = conn.Close()
	m.log.Warn().Err(cause).Msg("connection lost")
	m.metrics.SetConnected(false)
	m.notify(false)
	m.dispatch(domain.Event{Name: domain.EventDisconnect})
	return active
}

// failed counts a failed dial and reports whether another may follow. On
// reaching the limit it stops reconnection and broadcasts false.
func (m *ConnectionManager) failed(gen uint64, cause error) bool {
	m.mu.Lock()
	if !m.active || m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	m.dispatch(errorEvent(domain.EventConnectError, cause))

	if attempts < m.maxAttempts {
		m.log.Warn().Err(cause).Int("attempt", attempts).Int("max", m.maxAttempts).Msg("connect failed")
		return true
	}

	m.log.Error().Err(cause).Int("attempts", attempts).Msg("giving up on reconnection")
	if m.stop(gen) {
		m.metrics.SetConnected(false)
		m.notify(false)
	}
	return false
}

// stop ends automatic reconnection for gen.
func (m *ConnectionManager) stop(gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.active = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// =============================================================================
// Rooms & Emit
// =============================================================================

// JoinRoom records the membership and sends join-room when connected. The
// membership is replayed on every later connect.
func (m *ConnectionManager) JoinRoom(roomID, label string) error {
	if roomID == "" {
		return apperr.InvalidField("roomId", "is required")
	}

	m.mu.Lock()
	prev := m.roomID
	m.roomID, m.label = roomID, label
	conn, connected := m.conn, m.connected
	m.mu.Unlock()

	if !connected {
		m.log.Debug().Str("room_id", roomID).Msg("room recorded; join deferred until connected")
		return nil
	}

	if prev != "" && prev != roomID {
		if err := send(conn, domain.EventLeaveRoom, nil); err != nil {
			m.log.Warn().Err(err).Str("room_id", prev).Msg("leave previous room failed")
		}
	}
	if err := send(conn, domain.EventJoinRoom, domain.JoinRoomData{RoomID: roomID, Label: label}); err != nil {
		return apperr.Network(err)
	}
	m.log.Info().Str("room_id", roomID).Msg("joined room")
	return nil
}

// LeaveRoom sends leave-room and clears the membership.
func (m *ConnectionManager) LeaveRoom() error {
	m.mu.Lock()
	roomID := m.roomID
	m.roomID, m.label = "", ""
	conn, connected := m.conn, m.connected
	m.mu.Unlock()

	if roomID == "" || !connected {
		return nil
	}
	if err := send(conn, domain.EventLeaveRoom, nil); err != nil {
		return apperr.Network(err)
	}
	m.log.Info().Str("room_id", roomID).Msg("left room")
	return nil
}

// Emit sends a named event. It fails with OFFLINE when no channel is live.
func (m *ConnectionManager) Emit(event domain.EventName, data any) error {
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.mu.Unlock()

	if !connected {
		return apperr.Offline()
	}
	if err := send(conn, event, data); err != nil {
		return apperr.Network(err)
	}
	return nil
}

func send(conn Conn, event domain.EventName, data any) error {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}
	return conn.Write(frame)
}

// State returns a snapshot of the session.
func (m *ConnectionManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return domain.ConnectionState{
		Connected:            m.connected,
		ReconnectAttempts:    m.attempts,
		MaxReconnectAttempts: m.maxAttempts,
		RoomID:               m.roomID,
		Label:                m.label,
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

// On registers handler for event. Handlers for one event run in
// registration order.
func (m *ConnectionManager) On(event domain.EventName, handler out.EventHandler) out.Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: m.nextID, fn: handler})
	return out.Subscription(m.nextID)
}

// Off removes a handler registered with On.
func (m *ConnectionManager) Off(event domain.EventName, sub out.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	entries := m.handlers[event]
	for i, h := range entries {
		if h.id == uint64(sub) {
			m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(m.handlers[event]) == 0 {
		delete(m.handlers, event)
	}
}

// OnConnectionChange registers a connectivity listener.
func (m *ConnectionManager) OnConnectionChange(listener out.ConnectionListener) func() {
	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: listener})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// dispatch delivers event to its handlers. A failing handler is logged and
// the rest still run.
func (m *ConnectionManager) dispatch(event domain.Event) {
	m.subMu.RLock()
	handlers := append([]handlerEntry(nil), m.handlers[event.Name]...)
	m.subMu.RUnlock()

	m.metrics.IncEvent(string(event.Name))
	if event.Name == domain.EventError {
		var data domain.ErrorData
		if err := DecodePayload(event, &data); err == nil {
			m.log.Warn().Str("code", data.Code).Msg(data.Message)
		}
	}

	for _, h := range handlers {
		if err := m.safeHandle(h.fn, event); err != nil {
			m.log.Error().Err(err).Str("event", string(event.Name)).Msg("event handler failed")
		}
	}
}

func (m *ConnectionManager) safeHandle(fn out.EventHandler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(event)
}

func (m *ConnectionManager) notify(connected bool) {
	m.subMu.RLock()
	listeners := append([]listenerEntry(nil), m.listeners...)
	m.subMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Msg("connection listener panicked")
				}
			}()
			l.fn(connected)
		}()
	}
}

func errorEvent(name domain.EventName, cause error) domain.Event {
	payload, _ := json.Marshal(domain.ErrorData{Message: cause.Error()})
	return domain.Event{Name: name, Payload: payload}
}
