package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hackerden/adapter/out/auth"
	"hackerden/config"
	"hackerden/internal/relay"
	"hackerden/pkg/metrics"
	"hackerden/pkg/ratelimit"
)

// NewRelay builds the relay server. With REDIS_URL set, rooms span every
// instance sharing the Redis server and the rate limit window is shared
// too. The returned cleanup closes the Redis client.
func NewRelay(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*relay.Server, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	cleanup := func() {}
	var redisClient *redis.Client
	var bus relay.Bus
	if cfg.RedisURL != "" {
		client, err := relay.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: %w", err)
		}
		redisClient = client
		bus = relay.NewRedisBus(client, relay.DefaultChannel, cfg.RelayInstanceID, log)
		cleanup = func() { _ = client.Close() }
		log.Info().Str("instance", cfg.RelayInstanceID).Msg("relay fan-out via redis")
	}

	var limiter *ratelimit.SlidingWindowLimiter
	if cfg.RelayRateLimit > 0 {
		limiter = ratelimit.NewSlidingWindowLimiter(redisClient, cfg.RateLimit())
	}

	var verifier *auth.Verifier
	if cfg.RelayJWTSecret != "" {
		verifier = auth.NewVerifier(cfg.RelayJWTSecret)
	}

	srv := relay.NewServer(relay.Config{
		Addr:           ":" + cfg.RelayPort,
		InstanceID:     cfg.RelayInstanceID,
		AllowedOrigins: cfg.AllowedOrigins,
		Verifier:       verifier,
		Limiter:        limiter,
		Bus:            bus,
		Gatherer:       reg,
		Metrics:        m,
		PingInterval:   cfg.PingInterval(),
		PongWait:       cfg.PongWait(),
		WriteWait:      cfg.WriteWait(),
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
		Logger:         log,
	})
	return srv, cleanup, nil
}
