package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Default backoff bounds: 2, 4, 8, 16, 32, then 60 minutes.
const (
	DefaultBackoffBase = 2 * time.Minute
	DefaultBackoffMax  = 60 * time.Minute
)

// BackoffPolicy computes the delay before a retrying item becomes claimable.
type BackoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    func(limit time.Duration) time.Duration
}

// NewBackoffPolicy builds a policy; non-positive values fall back to defaults.
func NewBackoffPolicy(base, maxDelay time.Duration) *BackoffPolicy {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &BackoffPolicy{baseDelay: base, maxDelay: maxDelay, jitter: randomJitter}
}

// Backoff returns the delay after the retryCount-th failure (retryCount >= 1).
//
// The deterministic part doubles from base up to the cap. Jitter is bounded so
// the result never reaches the next step or exceeds the cap, which keeps the
// sequence strictly increasing until the cap and constant after it.
func (p *BackoffPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	step := p.step(retryCount)
	window := min(step/2, p.maxDelay-step)
	return step + p.jitter(window)
}

func (p *BackoffPolicy) step(retryCount int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(retryCount-1))
	if delay >= float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

// Max returns the cap.
func (p *BackoffPolicy) Max() time.Duration {
	return p.maxDelay
}

// StoreRetryPolicy retries queue and series store calls. The store operations
// are idempotent from the caller's side, so retrying the call is safe.
type StoreRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewStoreRetryPolicy builds a policy with sane defaults.
func NewStoreRetryPolicy() *StoreRetryPolicy {
	return &StoreRetryPolicy{
		maxAttempts: 4,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *StoreRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrLockLost) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConfiguration) {
		return false
	}
	return true
}

// Backoff returns the wait duration before the next attempt.
func (p *StoreRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends.
func (p *StoreRetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if !p.ShouldRetry(err, attempt+1) {
			break
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &StorageError{Op: op, Err: errors.Join(err, ctx.Err())}
		case <-timer.C:
		}
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLockLost) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConfiguration) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
