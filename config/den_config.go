package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hackerden/pkg/apperr"
	"hackerden/pkg/ratelimit"
	"hackerden/pkg/resilience"
)

// generateInstanceID identifies a relay process in the shared channel
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "relay"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Environment string `yaml:"environment"`

	// Remote
	APIURL        string `yaml:"api_url"`
	WSURL         string `yaml:"ws_url"`
	Token         string `yaml:"token"`
	TokenFile     string `yaml:"token_file"`
	TokenSecret   string `yaml:"token_secret"`
	APITimeoutSec int    `yaml:"api_timeout_sec"`

	// Retry
	RetryMaxRetries    int     `yaml:"retry_max_retries"`
	RetryBaseDelayMS   int     `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS    int     `yaml:"retry_max_delay_ms"`
	RetryBackoffFactor float64 `yaml:"retry_backoff_factor"`

	// Circuit breaker
	BreakerFailureThreshold  int `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeoutMS int `yaml:"breaker_recovery_timeout_ms"`
	BreakerMonitoringMS      int `yaml:"breaker_monitoring_ms"`

	// Coalescing
	DedupTTLMS    int `yaml:"dedup_ttl_ms"`
	BatchWindowMS int `yaml:"batch_window_ms"`

	// WebSocket
	WSMaxReconnectAttempts int `yaml:"ws_max_reconnect_attempts"`
	WSMaxMessageSize       int `yaml:"ws_max_message_size"`
	WSPingIntervalSec      int `yaml:"ws_ping_interval_sec"`
	WSPongWaitSec          int `yaml:"ws_pong_wait_sec"`
	WSWriteWaitSec         int `yaml:"ws_write_wait_sec"`

	// Relay
	RelayPort       string   `yaml:"relay_port"`
	RelayInstanceID string   `yaml:"relay_instance_id"`
	RedisURL        string   `yaml:"redis_url"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RelayJWTSecret  string   `yaml:"relay_jwt_secret"`
	RelayRateLimit  int      `yaml:"relay_rate_limit"`
	RelayBurst      int      `yaml:"relay_burst"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "development"),

		// Remote
		APIURL:        getEnv("HACKERDEN_API_URL", "http://localhost:8080/api"),
		WSURL:         getEnv("HACKERDEN_WS_URL", "ws://localhost:8090/ws"),
		Token:         getEnv("HACKERDEN_TOKEN", ""),
		TokenFile:     getEnv("HACKERDEN_TOKEN_FILE", ""),
		TokenSecret:   getEnv("HACKERDEN_TOKEN_SECRET", ""),
		APITimeoutSec: getEnvInt("HACKERDEN_API_TIMEOUT_SEC", 15),

		// Retry
		RetryMaxRetries:    getEnvInt("RETRY_MAX_RETRIES", 3),
		RetryBaseDelayMS:   getEnvInt("RETRY_BASE_DELAY_MS", 1000),
		RetryMaxDelayMS:    getEnvInt("RETRY_MAX_DELAY_MS", 10000),
		RetryBackoffFactor: getEnvFloat("RETRY_BACKOFF_FACTOR", 2),

		// Circuit breaker
		BreakerFailureThreshold:  getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeoutMS: getEnvInt("BREAKER_RECOVERY_TIMEOUT_MS", 60000),
		BreakerMonitoringMS:      getEnvInt("BREAKER_MONITORING_MS", 120000),

		// Coalescing
		DedupTTLMS:    getEnvInt("DEDUP_TTL_MS", 5000),
		BatchWindowMS: getEnvInt("BATCH_WINDOW_MS", 50),

		// WebSocket
		WSMaxReconnectAttempts: getEnvInt("WS_MAX_RECONNECT_ATTEMPTS", 5),
		WSMaxMessageSize:       getEnvInt("WS_MAX_MESSAGE_SIZE", 524288),
		WSPingIntervalSec:      getEnvInt("WS_PING_INTERVAL_SEC", 25),
		WSPongWaitSec:          getEnvInt("WS_PONG_WAIT_SEC", 60),
		WSWriteWaitSec:         getEnvInt("WS_WRITE_WAIT_SEC", 10),

		// Relay
		RelayPort:       getEnv("RELAY_PORT", "8090"),
		RelayInstanceID: getEnv("RELAY_INSTANCE_ID", generateInstanceID()),
		RedisURL:        getEnv("REDIS_URL", ""),
		AllowedOrigins:  getEnvSlice("ALLOWED_ORIGINS", nil),
		RelayJWTSecret:  getEnv("RELAY_JWT_SECRET", ""),
		RelayRateLimit:  getEnvInt("RELAY_RATE_LIMIT", 20),
		RelayBurst:      getEnvInt("RELAY_BURST", 20),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile starts from the environment and overlays a YAML file. ${VAR}
// references in the file are expanded before parsing.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects negative or inconsistent tunables.
func (c *Config) Validate() error {
	switch {
	case c.RetryMaxRetries < 0:
		return apperr.ConfigError("retry_max_retries must be >= 0")
	case c.RetryBaseDelayMS < 0:
		return apperr.ConfigError("retry_base_delay_ms must be >= 0")
	case c.RetryMaxDelayMS < c.RetryBaseDelayMS:
		return apperr.ConfigError("retry_max_delay_ms must be >= retry_base_delay_ms")
	case c.RetryBackoffFactor < 1:
		return apperr.ConfigError("retry_backoff_factor must be >= 1")
	case c.BreakerFailureThreshold < 1:
		return apperr.ConfigError("breaker_failure_threshold must be >= 1")
	case c.BreakerRecoveryTimeoutMS < 0:
		return apperr.ConfigError("breaker_recovery_timeout_ms must be >= 0")
	case c.DedupTTLMS < 0:
		return apperr.ConfigError("dedup_ttl_ms must be >= 0")
	case c.BatchWindowMS < 0:
		return apperr.ConfigError("batch_window_ms must be >= 0")
	case c.WSMaxReconnectAttempts < 0:
		return apperr.ConfigError("ws_max_reconnect_attempts must be >= 0")
	case c.WSPingIntervalSec <= 0 || c.WSPongWaitSec <= c.WSPingIntervalSec:
		return apperr.ConfigError("ws_pong_wait_sec must exceed ws_ping_interval_sec")
	case c.TokenFile != "" && c.TokenSecret == "":
		return apperr.ConfigError("token_file requires token_secret")
	case c.RelayRateLimit < 0 || c.RelayBurst < 0:
		return apperr.ConfigError("relay_rate_limit and relay_burst must be >= 0")
	}
	return nil
}

// Retry returns the retry policy for remote calls.
func (c *Config) Retry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:    c.RetryMaxRetries,
		BaseDelay:     time.Duration(c.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(c.RetryMaxDelayMS) * time.Millisecond,
		BackoffFactor: c.RetryBackoffFactor,
	}
}

// Breaker returns the circuit breaker settings under the given name.
func (c *Config) Breaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: c.BreakerFailureThreshold,
		RecoveryTimeout:  time.Duration(c.BreakerRecoveryTimeoutMS) * time.Millisecond,
		MonitoringPeriod: time.Duration(c.BreakerMonitoringMS) * time.Millisecond,
	}
}

func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLMS) * time.Millisecond
}

func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMS) * time.Millisecond
}

func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSec) * time.Second
}

// RateLimit returns the relay's per-client limiter settings. A zero rate
// disables limiting.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: c.RelayRateLimit,
		BurstSize:         c.RelayBurst,
		Window:            time.Second,
	}
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalSec) * time.Second
}

func (c *Config) PongWait() time.Duration {
	return time.Duration(c.WSPongWaitSec) * time.Second
}

func (c *Config) WriteWait() time.Duration {
	return time.Duration(c.WSWriteWaitSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
