package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hackerden/adapter/out/auth"
	"hackerden/pkg/metrics"
	"hackerden/pkg/ratelimit"
	"hackerden/pkg/response"
)

// Config configures a Server.
type Config struct {
	Addr           string
	InstanceID     string
	AllowedOrigins []string // empty allows any origin

	Verifier *auth.Verifier                  // optional; nil accepts anonymous clients
	Limiter  *ratelimit.SlidingWindowLimiter // optional
	Bus      Bus                             // optional

	Gatherer prometheus.Gatherer // for /metrics (default: prometheus.DefaultGatherer)
	Metrics  *metrics.Collector

	SendBuffer     int           // default: 64
	PingInterval   time.Duration // default: 25s
	PongWait       time.Duration // default: 60s
	WriteWait      time.Duration // default: 10s
	MaxMessageSize int64         // default: 512KB

	Logger zerolog.Logger
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 12 / 5
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512 * 1024
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
}

// =============================================================================
// Server
// =============================================================================

type Server struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
	started  time.Time
}

func NewServer(cfg Config) *Server {
	cfg.defaults()
	s := &Server{
		cfg:     cfg,
		hub:     NewHub(cfg.Bus, cfg.Metrics, cfg.Logger),
		log:     cfg.Logger.With().Str("component", "relay").Str("instance", cfg.InstanceID).Logger(),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes room state.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler routes /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.Bus != nil {
		go func() {
			err := s.cfg.Bus.Run(ctx, func(room, event string, frame []byte) {
				s.hub.deliver(room, nil, event, sourceRedis, frame)
			})
			if err != nil {
				s.log.Error().Err(err).Msg("relay bus stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("relay shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, u.Host)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	response.OK(w, map[string]any{
		"status":   "ok",
		"instance": s.cfg.InstanceID,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"hub":      stats,
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	var claims auth.Claims
	if s.cfg.Verifier != nil {
		var err error
		claims, err = s.cfg.Verifier.VerifyRequest(r)
		if err != nil {
			s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: claims.Subject,
		label:  claims.Name,
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
		server: s,
		done:   make(chan struct{}),
	}
	c.log = s.log.With().Str("client_id", c.id).Str("user_id", c.userID).Logger()

	s.hub.add(c)
	go c.writeLoop()

	c.readLoop(r.Context())

	s.hub.remove(c)
	if s.cfg.Limiter != nil {
		s.cfg.Limiter.Forget(c.id)
	}
	c.close()
}
