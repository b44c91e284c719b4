package ratelimit

import (
	"context"
	"sync/atomic"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

// Gate ties one job's outbound requests to its source's limiter. The worker
// acquires the first token before dispatch and marks it prepaid, so the first
// request through the gate does not take a second token.
type Gate struct {
	limiter crawler.RateLimiter
	source  string
	prepaid atomic.Bool
}

// NewGate builds a gate for source.
func NewGate(limiter crawler.RateLimiter, source string) *Gate {
	return &Gate{limiter: limiter, source: source}
}

// Prepay records that the caller already holds one token.
func (g *Gate) Prepay() {
	g.prepaid.Store(true)
}

// Wait consumes the prepaid token if present, otherwise blocks on the limiter.
func (g *Gate) Wait(ctx context.Context) error {
	if g.prepaid.CompareAndSwap(true, false) {
		return nil
	}
	return g.limiter.Wait(ctx, g.source)
}

type gateKey struct{}

// WithGate attaches g to ctx.
func WithGate(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, gateKey{}, g)
}

// GateFromContext returns the gate attached to ctx, if any.
func GateFromContext(ctx context.Context) *Gate {
	g, _ := ctx.Value(gateKey{}).(*Gate)
	return g
}

// WaitFromContext waits on the gate attached to ctx. Without a gate it returns
// immediately.
func WaitFromContext(ctx context.Context) error {
	g := GateFromContext(ctx)
	if g == nil {
		return nil
	}
	return g.Wait(ctx)
}
