// Package bootstrap wires configuration into running components: the sync
// client stack for a project and the relay server.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hackerden/adapter/out/api"
	"hackerden/adapter/out/auth"
	"hackerden/adapter/out/offline"
	"hackerden/adapter/out/realtime"
	"hackerden/config"
	"hackerden/core/service/board"
	"hackerden/core/service/project"
	"hackerden/pkg/crypto"
	"hackerden/pkg/httputil"
	"hackerden/pkg/metrics"
	"hackerden/pkg/resilience"
	"hackerden/pkg/snowflake"
)

// Client is the sync stack for one project.
type Client struct {
	Config *config.Config

	Registry    *prometheus.Registry
	Metrics     *metrics.Collector
	Latency     *metrics.LatencyRegistry
	Breaker     *resilience.CircuitBreaker
	Executor    *resilience.Executor
	Credentials *auth.TokenStore
	API         *api.Client
	Realtime    *realtime.ConnectionManager
	Queue       *offline.MemoryQueue

	Board   *board.Service
	Project *project.Service

	log zerolog.Logger
}

// ClientOptions selects the project and node id of a client.
type ClientOptions struct {
	ProjectID string
	NodeID    int64 // snowflake node for offline action ids
	Logger    zerolog.Logger
}

// NewClient builds the stack. Nothing connects until Start.
func NewClient(cfg *config.Config, opts ClientOptions) (*Client, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("bootstrap: project id is required")
	}
	log := opts.Logger
	c := &Client{Config: cfg, log: log.With().Str("component", "bootstrap").Logger()}

	// Metrics
	c.Registry = prometheus.NewRegistry()
	c.Metrics = metrics.NewCollector(c.Registry)
	c.Latency = metrics.NewLatencyRegistry(200)

	// Breaker + executor
	breakerCfg := cfg.Breaker("api")
	breakerCfg.Logger = log
	c.Breaker = resilience.NewCircuitBreaker(breakerCfg)
	c.Breaker.OnStateChange(func(name string, _, to resilience.CircuitState) {
		c.Metrics.SetBreakerState(name, int(to))
	})
	c.Executor = resilience.NewExecutor(resilience.ExecutorConfig{
		Retry:    cfg.Retry(),
		Breaker:  c.Breaker,
		DedupTTL: cfg.DedupTTL(),
		Metrics:  c.Metrics,
		Latency:  c.Latency,
		Logger:   log,
	})

	// Credentials
	storeCfg := auth.TokenStoreConfig{Path: cfg.TokenFile, Logger: log}
	if cfg.TokenFile != "" {
		sealer, err := crypto.NewSealer([]byte(cfg.TokenSecret))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: token sealer: %w", err)
		}
		storeCfg.Sealer = sealer
	}
	creds, err := auth.NewTokenStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: token store: %w", err)
	}
	if cfg.Token != "" {
		if err := creds.Set(cfg.Token); err != nil {
			return nil, fmt.Errorf("bootstrap: HACKERDEN_TOKEN: %w", err)
		}
	}
	c.Credentials = creds

	// HTTP API
	httpCfg := httputil.DefaultClientConfig()
	if t := cfg.APITimeout(); t > 0 {
		httpCfg.Timeout = t
	}
	c.API, err = api.NewClient(api.Config{
		BaseURL:     cfg.APIURL,
		HTTPClient:  httputil.NewClient(httpCfg),
		Credentials: creds,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	// Room channel
	attempts := cfg.WSMaxReconnectAttempts
	if attempts == 0 {
		attempts = -1
	}
	dialer := realtime.NewWSDialer(realtime.WSConfig{
		URL:            cfg.WSURL,
		Credentials:    creds,
		PingInterval:   cfg.PingInterval(),
		PongWait:       cfg.PongWait(),
		WriteWait:      cfg.WriteWait(),
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
	})
	c.Realtime = realtime.NewConnectionManager(dialer, realtime.ManagerConfig{
		MaxReconnectAttempts: attempts,
		Backoff:              cfg.Retry(),
		Metrics:              c.Metrics,
		Logger:               log,
	})

	// Offline queue
	ids, err := snowflake.NewGenerator(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	c.Queue = offline.NewMemoryQueue(ids, 0, log)

	// Services
	c.Board = board.NewService(board.Config{
		ProjectID:   opts.ProjectID,
		Tasks:       c.API,
		Realtime:    c.Realtime,
		Queue:       c.Queue,
		Credentials: creds,
		Executor:    c.Executor,
		BatchWindow: cfg.BatchWindow(),
		Metrics:     c.Metrics,
		Logger:      log,
	})
	c.Project = project.NewService(project.Config{
		ProjectID:   opts.ProjectID,
		Projects:    c.API,
		Realtime:    c.Realtime,
		Queue:       c.Queue,
		Credentials: creds,
		Executor:    c.Executor,
		Metrics:     c.Metrics,
		Logger:      log,
	})

	return c, nil
}

// Start subscribes the services, connects, and joins the project room.
// A failed first dial is not fatal: the manager keeps retrying.
func (c *Client) Start(ctx context.Context, roomID, label string) error {
	c.Board.Start(ctx)
	c.Project.Start(ctx)

	if err := c.Realtime.JoinRoom(roomID, label); err != nil {
		return err
	}
	if err := c.Realtime.Connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("initial connect failed; retrying in background")
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Project.Load(loadCtx); err != nil {
		c.log.Warn().Err(err).Msg("project load failed")
	}
	if _, err := c.Board.Load(loadCtx); err != nil {
		c.log.Warn().Err(err).Msg("board load failed")
	}
	return nil
}

// Close detaches the services and drops the connection.
func (c *Client) Close() {
	c.Board.Close()
	c.Project.Close()
	if err := c.Realtime.Disconnect(); err != nil {
		c.log.Debug().Err(err).Msg("disconnect")
	}
}
