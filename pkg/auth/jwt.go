// Package auth validates bearer tokens and exposes the caller's identity
// to request handlers.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims are the extracted token claims the gateway cares about.
type Claims struct {
	Subject string                 `json:"sub"`
	Email   string                 `json:"email"`
	Role    string                 `json:"role"`
	Custom  map[string]interface{} `json:"-"`
}

// Validator verifies JWTs either with a shared HS256 secret or against a
// JWKS endpoint with cached, auto-refreshed keys.
type Validator struct {
	secret   []byte
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewHS256Validator builds a validator for tokens signed with a shared
// secret. Issuer and audience checks are applied only when non-empty.
func NewHS256Validator(secret, issuer, audience string) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is empty")
	}
	return &Validator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// NewJWKSValidator builds a validator that fetches public keys from a
// JWKS URL, refreshed at most every 15 minutes to pick up key rotation.
func NewJWKSValidator(jwksURL, issuer, audience string) (*Validator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &Validator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken parses and verifies a token and extracts its claims.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}

	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]interface{}),
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}

	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key := pair.Key.(string)
		switch key {
		case "sub", "email", "role", "iss", "aud", "exp", "iat", "nbf":
		default:
			claims.Custom[key] = pair.Value
		}
	}

	return claims, nil
}
