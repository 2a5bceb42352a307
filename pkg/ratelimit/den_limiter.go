// Package ratelimit provides the sliding window limiter the relay applies
// to each client's outgoing room events.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond int // default: 20
	BurstSize         int // default: 20
	Window            time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		BurstSize:         20,
		Window:            time.Second,
	}
}

// =============================================================================
// SlidingWindowLimiter
// =============================================================================

// slidingWindowScript admits a request when fewer than max requests fall in
// the window, else returns the negated wait in milliseconds.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)

	if count < max_requests then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(oldest[2] + window_ms - now)
	end
	return 0
`)

// SlidingWindowLimiter admits rate+burst requests per window and key. With
// a Redis client the window is shared between relay instances; without one,
// or when Redis fails, the local window decides.
type SlidingWindowLimiter struct {
	redis  *redis.Client
	max    int
	window time.Duration

	mu    sync.Mutex
	local map[string][]time.Time

	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter. redisClient may be nil.
func NewSlidingWindowLimiter(redisClient *redis.Client, cfg Config) *SlidingWindowLimiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize < 0 {
		cfg.BurstSize = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &SlidingWindowLimiter{
		redis:  redisClient,
		max:    cfg.RequestsPerSecond + cfg.BurstSize,
		window: cfg.Window,
		local:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a request for key. When refused it returns how long until
// the oldest request leaves the window.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis != nil {
		if ok, wait, err := l.allowRedis(ctx, key); err == nil {
			return ok, wait
		}
	}
	return l.allowLocal(key)
}

func (l *SlidingWindowLimiter) allowRedis(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	result, err := slidingWindowScript.Run(ctx, l.redis, []string{fmt.Sprintf("ratelimit:%s", key)},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.max,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, 0, err
	}
	switch {
	case result == 1:
		return true, 0, nil
	case result < 0:
		return false, time.Duration(-result) * time.Millisecond, nil
	}
	return false, l.window, nil
}

func (l *SlidingWindowLimiter) allowLocal(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	hits := l.local[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= l.max {
		l.local[key] = hits
		return false, hits[0].Add(l.window).Sub(now)
	}
	l.local[key] = append(hits, now)
	return true, 0
}

// Forget drops the local window for key, e.g. when a client disconnects.
func (l *SlidingWindowLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.local, key)
	l.mu.Unlock()
}
