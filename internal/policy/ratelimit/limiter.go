// Package ratelimit paces how fast new browser tabs are opened, per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the pacing parameters.
type Config struct {
	// Interval is the minimum spacing between two opens on one host. Zero disables pacing.
	Interval time.Duration
	// Burst is how many opens may happen back to back (default 1).
	Burst int
}

// Limiter hands out one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	observe  func(rawURL string, waited time.Duration)
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// OnDelay registers fn to be told about waits longer than a millisecond.
func (l *Limiter) OnDelay(fn func(rawURL string, waited time.Duration)) *Limiter {
	l.observe = fn
	return l
}

// Wait blocks until rawURL's host may open another tab, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	limiter := l.forHost(host(rawURL))
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("tab pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(rawURL, waited)
	}
	return nil
}

func (l *Limiter) forHost(h string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[h]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[h] = limiter
	}
	return limiter
}

func host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
