// Package httpclient builds pooled HTTP clients for the external collaborators
// (similarity service, entity broker, file server).
package httpclient

import (
	"net/http"
	"time"
)

// Config configures the client.
type Config struct {
	// Timeout is the per-request timeout. Zero means no timeout.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts.
	MaxIdleConns int

	// MaxConnsPerHost limits the total number of connections per host.
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle connection
	// remains open.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxIdleConns:    100,
		MaxConnsPerHost: 20,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates an *http.Client with explicit connection pooling.
func New(cfg Config) *http.Client {
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 20
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}
