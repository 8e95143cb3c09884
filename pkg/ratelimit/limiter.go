// Package ratelimit enforces fixed-window request and token budgets per
// caller identity.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Dimension selects which budget a usage record counts against.
type Dimension string

const (
	DimRequests Dimension = "requests"
	DimTokens   Dimension = "tokens"
)

// Store tracks windowed usage counters. Implementations must be safe for
// concurrent use.
type Store interface {
	// Incr adds amount to the counter for (key, dim), starting a fresh
	// window when the previous one has expired. Returns the new total and
	// the window end.
	Incr(ctx context.Context, key string, dim Dimension, window time.Duration, amount int64) (int64, time.Time, error)
	Close() error
}

// Config bounds one fixed window. MaxTokens of zero disables the token
// dimension.
type Config struct {
	MaxRequests int64
	MaxTokens   int64
	Window      time.Duration
}

// Result reports the outcome of one admission check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	WindowEnd  time.Time
	RetryAfter time.Duration
	Reason     string
}

// Limiter is a fixed-window rate limiter over a pluggable store.
type Limiter struct {
	cfg   Config
	store Store
}

func New(cfg Config, store Store) (*Limiter, error) {
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("max requests must be positive, got %d", cfg.MaxRequests)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", cfg.Window)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Limiter{cfg: cfg, store: store}, nil
}

// Allow records one request (and its estimated tokens) against the
// identifier's window and reports whether it is within budget.
func (l *Limiter) Allow(ctx context.Context, identifier string, tokens int64) (*Result, error) {
	if identifier == "" {
		return nil, fmt.Errorf("identifier cannot be empty")
	}

	requests, windowEnd, err := l.store.Incr(ctx, identifier, DimRequests, l.cfg.Window, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to record request: %w", err)
	}

	result := &Result{
		Allowed:   requests <= l.cfg.MaxRequests,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - requests,
		WindowEnd: windowEnd,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.Reason = fmt.Sprintf("request limit exceeded (%d/%d per %s)", requests, l.cfg.MaxRequests, l.cfg.Window)
	}

	if l.cfg.MaxTokens > 0 && tokens > 0 {
		total, _, err := l.store.Incr(ctx, identifier, DimTokens, l.cfg.Window, tokens)
		if err != nil {
			return nil, fmt.Errorf("failed to record tokens: %w", err)
		}
		if total > l.cfg.MaxTokens && result.Allowed {
			result.Allowed = false
			result.Reason = fmt.Sprintf("token limit exceeded (%d/%d per %s)", total, l.cfg.MaxTokens, l.cfg.Window)
		}
	}

	if !result.Allowed {
		if wait := time.Until(windowEnd); wait > 0 {
			result.RetryAfter = wait
		}
	}
	return result, nil
}
