package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hackerden/core/port/out"
)

// =============================================================================
// Transport
// =============================================================================

// Conn is one established channel. Write is safe for concurrent use; Read
// is called from a single goroutine.
type Conn interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Dialer opens a new Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSConfig configures the gorilla websocket dialer.
type WSConfig struct {
	URL            string
	Credentials    out.CredentialStore // optional; adds a bearer token
	PingInterval   time.Duration       // default: 25s
	PongWait       time.Duration       // default: 60s
	WriteWait      time.Duration       // default: 10s
	MaxMessageSize int64               // default: 512KB
	HandshakeWait  time.Duration       // default: 10s
}

// WSDialer dials the room server over gorilla/websocket.
type WSDialer struct {
	cfg    WSConfig
	dialer *websocket.Dialer
}

// NewWSDialer creates a dialer with defaults applied.
func NewWSDialer(cfg WSConfig) *WSDialer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 12 / 5
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512 * 1024
	}
	if cfg.HandshakeWait <= 0 {
		cfg.HandshakeWait = 10 * time.Second
	}
	return &WSDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeWait,
		},
	}
}

// Dial opens a websocket and starts its keepalive.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.cfg.Credentials != nil {
		if token, ok := d.cfg.Credentials.Token(); ok {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	ws, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %d %s: %w", d.cfg.URL, resp.StatusCode, http.StatusText(resp.StatusCode), err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.cfg.URL, err)
	}

	c := &wsConn{
		ws:        ws,
		writeWait: d.cfg.WriteWait,
		done:      make(chan struct{}),
	}

	ws.SetReadLimit(d.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
	})

	go c.keepalive(d.cfg.PingInterval)
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// ErrClosed is returned by writes on a closed connection.
var ErrClosed = errors.New("realtime: connection closed")

func (c *wsConn) Read() ([]byte, error) {
	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return frame, nil
		}
	}
}

func (c *wsConn) Write(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.writeMu.Unlock()
			if err != nil {
				// The reader sees the failure and reports it.
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
