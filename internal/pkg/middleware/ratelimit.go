package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

// RateLimiter provides per-client rate limiting.
type RateLimiter struct {
	mu         sync.RWMutex
	clients    map[string]*rate.Limiter
	lastSeen   map[string]time.Time
	rate       rate.Limit
	burst      int
	cleanup    time.Duration
	staleAfter time.Duration
	trustProxy bool
	now        func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the rate limit per client.
	RequestsPerSecond float64
	// Burst is the maximum burst size.
	Burst int
	// CleanupInterval is how often to clean up stale clients.
	CleanupInterval time.Duration
	// StaleAfter is how long an idle client keeps its limiter.
	StaleAfter time.Duration
	// TrustProxy honours X-Forwarded-For and X-Real-IP.
	TrustProxy bool
}

// DefaultRateLimiterConfig returns defaults sized for report generation,
// which is expensive per request.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		CleanupInterval:   time.Minute,
		StaleAfter:        5 * time.Minute,
		TrustProxy:        true,
	}
}

// NewRateLimiter creates a rate limiter. Stop releases its cleanup loop.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	rl := &RateLimiter{
		clients:    make(map[string]*rate.Limiter),
		lastSeen:   make(map[string]time.Time),
		rate:       rate.Limit(cfg.RequestsPerSecond),
		burst:      cfg.Burst,
		cleanup:    cfg.CleanupInterval,
		staleAfter: cfg.StaleAfter,
		trustProxy: cfg.TrustProxy,
		now:        time.Now,
		done:       make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// getLimiter returns the rate limiter for a client, creating one if needed.
func (rl *RateLimiter) getLimiter(clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lastSeen[clientIP] = rl.now()

	limiter, exists := rl.clients[clientIP]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.clients[clientIP] = limiter
	}

	return limiter
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

// evictStale drops clients idle for longer than staleAfter.
func (rl *RateLimiter) evictStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := rl.now().Add(-rl.staleAfter)
	for ip, lastSeen := range rl.lastSeen {
		if lastSeen.Before(threshold) {
			delete(rl.clients, ip)
			delete(rl.lastSeen, ip)
		}
	}
}

// Allow checks if a request from the given IP should be allowed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	return rl.getLimiter(clientIP).Allow()
}

// retryAfter is the whole number of seconds until clientIP gets a token.
func (rl *RateLimiter) retryAfter(clientIP string) int {
	r := rl.getLimiter(clientIP).Reserve()
	defer r.Cancel()
	if !r.OK() {
		return 1
	}
	return max(1, int(math.Ceil(r.Delay().Seconds())))
}

// Middleware returns an HTTP middleware that applies rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := rl.clientIP(r)

		if !rl.Allow(clientIP) {
			secs := rl.retryAfter(clientIP)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			apperrors.WriteErrorWithStatus(w, http.StatusTooManyRequests,
				apperrors.RateLimitedError(secs))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.trustProxy {
		return getClientIP(r)
	}
	return remoteIP(r)
}

// getClientIP extracts the client IP from proxy headers, falling back to
// the connection address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
