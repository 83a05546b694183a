// Package ratelimit spaces out requests to the same resource and caps the
// number of requests a vendor account may make per window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jake-scott/devicehub/internal/pkg/deverr"
)

const DefaultMinInterval = 500 * time.Millisecond

// Gate enforces a minimum interval between requests for the same resource
// (a device id or a vendor account). Waiters queue; nothing is rejected.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

func NewGate(minInterval time.Duration) *Gate {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Gate{
		limiters: make(map[string]*rate.Limiter),
		interval: minInterval,
	}
}

func (g *Gate) Interval() time.Duration { return g.interval }

func (g *Gate) limiter(resource string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[resource]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.interval), 1)
		g.limiters[resource] = l
	}
	return l
}

// Wait blocks until resource may be used again or ctx is done
func (g *Gate) Wait(ctx context.Context, resource string) error {
	if err := g.limiter(resource).Wait(ctx); err != nil {
		return deverr.Wrap(err, deverr.Timeout, "waiting for rate limiter")
	}
	return nil
}

// Forget drops the state held for resource
func (g *Gate) Forget(resource string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, resource)
}

// Budget allows N actions per window for each vendor and rejects, rather
// than queues, requests once the budget is spent
type Budget struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perVendor map[string]int
	n         int
	window    time.Duration
	now       func() time.Time
}

// NewBudget allows n actions per window. n <= 0 disables the budget.
func NewBudget(n int, window time.Duration) *Budget {
	if window <= 0 {
		window = time.Minute
	}
	return &Budget{
		limiters:  make(map[string]*rate.Limiter),
		perVendor: make(map[string]int),
		n:         n,
		window:    window,
		now:       time.Now,
	}
}

// SetVendorLimit overrides the budget for one vendor
func (b *Budget) SetVendorLimit(vendor string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perVendor[vendor] = n
	delete(b.limiters, vendor)
}

func (b *Budget) limiter(vendor string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.n
	if v, ok := b.perVendor[vendor]; ok {
		n = v
	}
	if n <= 0 {
		return nil
	}

	l, ok := b.limiters[vendor]
	if !ok {
		l = rate.NewLimiter(rate.Every(b.window/time.Duration(n)), n)
		b.limiters[vendor] = l
	}
	return l
}

// Take spends one action from vendor's budget, failing with
// RateLimitExceeded when none is left
func (b *Budget) Take(vendor string) error {
	l := b.limiter(vendor)
	if l == nil {
		return nil
	}

	now := b.now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return deverr.New(deverr.RateLimitExceeded, "action budget misconfigured")
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &deverr.Error{
			Kind:       deverr.RateLimitExceeded,
			Message:    vendor + " action budget exhausted",
			RetryAfter: delay,
		}
	}
	return nil
}
