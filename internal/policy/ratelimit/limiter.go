// Package ratelimit gates outbound requests per data source. The local Limiter
// is a token bucket per source sized to this process's share of the published
// limit; RedisLimiter enforces one fixed window across all processes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerMinute is the published limit per source; zero or absent means unlimited.
	RequestsPerMinute map[string]int
	// Processes is the number of crawler processes sharing each limit (default 1).
	Processes int
}

// Limiter manages per-source token buckets with burst 1.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rpm       map[string]int
	processes int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	processes := cfg.Processes
	if processes <= 0 {
		processes = 1
	}
	rpm := make(map[string]int, len(cfg.RequestsPerMinute))
	for source, n := range cfg.RequestsPerMinute {
		rpm[source] = n
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		rpm:       rpm,
		processes: processes,
	}
}

// PerProcessLimit converts a published per-minute limit into this process's
// token rate. The share never drops below one request per minute.
func PerProcessLimit(rpm, processes int) rate.Limit {
	if rpm <= 0 {
		return rate.Inf
	}
	if processes <= 0 {
		processes = 1
	}
	perMinute := max(float64(rpm)/float64(processes), 1)
	return rate.Limit(perMinute / 60)
}

func (l *Limiter) limiter(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[source]
	if !ok {
		lim = rate.NewLimiter(PerProcessLimit(l.rpm[source], l.processes), 1)
		l.limiters[source] = lim
	}
	return lim
}

// Interval returns the minimum spacing between requests to source.
func (l *Limiter) Interval(source string) time.Duration {
	limit := l.limiter(source).Limit()
	if limit == rate.Inf || limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(limit))
}

// Acquire takes one token for source, waiting at most timeout. A token that
// would arrive later than timeout is returned to the bucket and the call fails
// with *crawler.RateLimitedError carrying the expected wait.
func (l *Limiter) Acquire(ctx context.Context, source string, timeout time.Duration) error {
	r := l.limiter(source).Reserve()
	if !r.OK() {
		return &crawler.RateLimitedError{Source: source, RetryAfter: timeout}
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > timeout {
		r.Cancel()
		metrics.ObserveRateLimited(source)
		return &crawler.RateLimitedError{Source: source, RetryAfter: delay}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("rate limit acquire: %w", ctx.Err())
	case <-timer.C:
		metrics.ObserveRateLimitDelay(source, delay)
		return nil
	}
}

// Wait blocks until a token is available for source, respecting the context.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	start := time.Now()
	if err := l.limiter(source).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, d)
	}
	return nil
}
