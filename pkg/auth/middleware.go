package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Middleware enforces a Bearer token on every request and stores the
// validated claims in the request context. A nil validator disables
// authentication entirely.
func Middleware(v *Validator) func(http.Handler) http.Handler {
	if v == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing Authorization header")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				unauthorized(w, "Invalid Authorization format, expected: Bearer <token>")
				return
			}

			claims, err := v.ValidateToken(r.Context(), tokenString)
			if err != nil {
				unauthorized(w, "Unauthorized: "+err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "invalid_request_error",
		"message": msg,
	})
}

// GetClaims returns the validated claims for a request, or nil when the
// request was not authenticated.
func GetClaims(r *http.Request) *Claims {
	return ClaimsFromContext(r.Context())
}

// ClaimsFromContext returns the claims stored by the middleware, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// UserID returns the authenticated user id for a request, or "".
func UserID(r *http.Request) string {
	if claims := GetClaims(r); claims != nil {
		return claims.Subject
	}
	return ""
}
