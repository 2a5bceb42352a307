// Package httputil builds the pooled HTTP client used for API calls.
package httputil

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader correlates a client request with server logs.
const RequestIDHeader = "X-Request-ID"

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	MaxIdleConnsPerHost int           // default: 8
	IdleConnTimeout     time.Duration // default: 90s
	DialTimeout         time.Duration // default: 5s
	KeepAlive           time.Duration // default: 30s
	Timeout             time.Duration // whole request, default: 15s
}

// DefaultClientConfig suits a single interactive user against one API host.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         5 * time.Second,
		KeepAlive:           30 * time.Second,
		Timeout:             15 * time.Second,
	}
}

// NewClient creates a client with connection pooling and request ids.
func NewClient(cfg ClientConfig) *http.Client {
	def := DefaultClientConfig()
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.DialTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Transport: &requestIDTransport{next: transport},
		Timeout:   cfg.Timeout,
	}
}

// requestIDTransport stamps every request that lacks an id.
type requestIDTransport struct {
	next http.RoundTripper
}

func (t *requestIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(RequestIDHeader) == "" {
		req = req.Clone(req.Context())
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return t.next.RoundTrip(req)
}
