package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/metrics"
)

const defaultKeyPrefix = "ratelimit"

// RedisConfig configures the cluster-wide limiter.
type RedisConfig struct {
	RequestsPerMinute map[string]int
	KeyPrefix         string
	Clock             crawler.Clock
}

// RedisLimiter counts requests per source in fixed one-minute windows shared by
// every process pointed at the same Redis. Counter keys expire after two windows.
type RedisLimiter struct {
	client redis.Cmdable
	rpm    map[string]int
	prefix string
	clock  crawler.Clock
}

// NewRedisLimiter builds a RedisLimiter on client.
func NewRedisLimiter(client redis.Cmdable, cfg RedisConfig) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	rpm := make(map[string]int, len(cfg.RequestsPerMinute))
	for source, n := range cfg.RequestsPerMinute {
		rpm[source] = n
	}
	return &RedisLimiter{client: client, rpm: rpm, prefix: prefix, clock: cfg.Clock}, nil
}

// take counts one request in the current window. When the window is full it
// reports how long until the next window opens.
func (l *RedisLimiter) take(ctx context.Context, source string) (bool, time.Duration, error) {
	limit := l.rpm[source]
	if limit <= 0 {
		return true, 0, nil
	}
	now := l.clock.Now()
	window := now.Truncate(time.Minute)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, source, window.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis rate limit %s: %w", source, err)
	}
	if incr.Val() <= int64(limit) {
		return true, 0, nil
	}
	return false, window.Add(time.Minute).Sub(now), nil
}

// Acquire takes one slot in the current window, waiting for the next window
// only if it opens within timeout.
func (l *RedisLimiter) Acquire(ctx context.Context, source string, timeout time.Duration) error {
	deadline := l.clock.Now().Add(timeout)
	for {
		ok, retryAfter, err := l.take(ctx, source)
		if err != nil {
			return crawler.Transient(err)
		}
		if ok {
			return nil
		}
		if l.clock.Now().Add(retryAfter).After(deadline) {
			metrics.ObserveRateLimited(source)
			return &crawler.RateLimitedError{Source: source, RetryAfter: retryAfter}
		}
		if err := sleep(ctx, retryAfter); err != nil {
			return fmt.Errorf("rate limit acquire: %w", err)
		}
	}
}

// Wait blocks until a slot is available or ctx ends.
func (l *RedisLimiter) Wait(ctx context.Context, source string) error {
	for {
		ok, retryAfter, err := l.take(ctx, source)
		if err != nil {
			return crawler.Transient(err)
		}
		if ok {
			return nil
		}
		metrics.ObserveRateLimitDelay(source, retryAfter)
		if err := sleep(ctx, retryAfter); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
