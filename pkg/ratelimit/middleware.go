package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// IdentifierFunc extracts the rate limit identity from a request.
type IdentifierFunc func(r *http.Request) string

// DefaultIdentifierFunc prefers the session header, then the remote
// address.
func DefaultIdentifierFunc(r *http.Request) string {
	if sessionID := r.Header.Get("x-session-id"); sessionID != "" {
		return sessionID
	}
	return r.RemoteAddr
}

// MiddlewareConfig configures the rate limiting middleware.
type MiddlewareConfig struct {
	// Limiter enforces the budget. Nil disables limiting.
	Limiter *Limiter

	// IdentifierFunc extracts the identity; DefaultIdentifierFunc when nil.
	IdentifierFunc IdentifierFunc

	// TokenEstimator estimates the request's token cost. Nil means only
	// count-based limiting.
	TokenEstimator func(r *http.Request) int64

	// ExcludedPaths bypass limiting entirely.
	ExcludedPaths []string
}

// Middleware enforces rate limits and sets X-RateLimit-Limit,
// X-RateLimit-Remaining and, on rejection, Retry-After. Store errors fail
// open.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.IdentifierFunc == nil {
		cfg.IdentifierFunc = DefaultIdentifierFunc
	}

	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, path := range cfg.ExcludedPaths {
		excluded[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			identifier := cfg.IdentifierFunc(r)
			if identifier == "" {
				next.ServeHTTP(w, r)
				return
			}

			var tokens int64
			if cfg.TokenEstimator != nil {
				tokens = cfg.TokenEstimator(r)
			}

			result, err := cfg.Limiter.Allow(r.Context(), identifier, tokens)
			if err != nil {
				slog.Error("rate limit check failed", "error", err, "identifier", identifier)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))

			if !result.Allowed {
				if result.RetryAfter > 0 {
					secs := int64(result.RetryAfter.Seconds())
					if secs < 1 {
						secs = 1
					}
					w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": result.Reason,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
