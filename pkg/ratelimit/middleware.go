package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// Config holds rate limiting configuration
type Config struct {
	PerMinute int           // Sustained requests per minute per client IP
	Burst     int           // Max burst per client IP
	BucketTTL time.Duration // How long to keep inactive buckets in memory

	// Trust X-Forwarded-For and X-Real-IP. Only enable behind a proxy that
	// overwrites them.
	TrustProxyHeaders bool

	// Headers to include in response
	IncludeHeaders bool
}

// DefaultConfig returns 60 requests per minute with a burst of 10
func DefaultConfig() Config {
	return Config{
		PerMinute:      60,
		Burst:          10,
		BucketTTL:      time.Hour,
		IncludeHeaders: true,
	}
}

// Middleware limits requests per client IP
type Middleware struct {
	config  Config
	limiter *RateLimiter
}

// NewMiddleware creates a new rate limiting middleware
func NewMiddleware(config Config) *Middleware {
	if config.PerMinute <= 0 {
		config.PerMinute = DefaultConfig().PerMinute
	}
	if config.Burst <= 0 {
		config.Burst = DefaultConfig().Burst
	}
	return &Middleware{
		config:  config,
		limiter: NewRateLimiter(config.PerMinute, config.Burst, config.BucketTTL),
	}
}

// Handler returns the rate limiting middleware handler
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.clientIP(r)
		if wait := m.limiter.Reserve(ip); wait > 0 {
			m.rateLimitExceeded(w, r, ip, wait)
			return
		}

		if m.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.config.PerMinute))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) rateLimitExceeded(w http.ResponseWriter, r *http.Request, ip string, wait time.Duration) {
	slog.Warn("Rate limit exceeded",
		"ip", ip,
		"path", r.URL.Path,
		"method", r.Method,
	)

	retryAfter := strconv.Itoa(int(math.Ceil(wait.Seconds())))
	w.Header().Set("Retry-After", retryAfter)
	apperrors.Render(w, r, apperrors.RateLimitExceeded(retryAfter))
}

// Cleanup drops idle buckets
func (m *Middleware) Cleanup() int {
	return m.limiter.Cleanup()
}

// GetStats returns statistics about the limiter
func (m *Middleware) GetStats() Stats {
	return m.limiter.GetStats()
}

// clientIP extracts the client IP address from the request
func (m *Middleware) clientIP(r *http.Request) string {
	if m.config.TrustProxyHeaders {
		// X-Forwarded-For can contain multiple IPs, take the first one
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
