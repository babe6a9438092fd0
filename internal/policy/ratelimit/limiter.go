// Package ratelimit spaces out request starts with token bucket limiters.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// Delay is the minimum gap between any two request starts. Zero disables
	// the global limit.
	Delay time.Duration
	// PerHostDelay is the minimum gap between two request starts against the
	// same host. Zero disables per-host limits.
	PerHostDelay time.Duration
}

// Limiter is shared by every fetch worker so the aggregate start rate is bounded.
type Limiter struct {
	global *rate.Limiter

	mu           sync.Mutex
	hosts        map[string]*rate.Limiter
	perHostLimit rate.Limit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		global:       rate.NewLimiter(limitFor(cfg.Delay), 1),
		hosts:        make(map[string]*rate.Limiter),
		perHostLimit: limitFor(cfg.PerHostDelay),
	}
}

// FromMicros builds a Limiter whose global delay is given in microseconds.
func FromMicros(delayMicros int64) *Limiter {
	return New(Config{Delay: time.Duration(delayMicros) * time.Microsecond})
}

// Wait blocks until a request to rawURL may start, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil {
		return nil
	}
	if l.perHostLimit != rate.Inf {
		if err := l.hostLimiter(rawURL).Wait(ctx); err != nil {
			return fmt.Errorf("host rate limit wait: %w", err)
		}
	}
	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *Limiter) hostLimiter(rawURL string) *rate.Limiter {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(l.perHostLimit, 1)
		l.hosts[host] = limiter
	}
	return limiter
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}
