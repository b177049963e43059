// Package throttle implements the per-tenant cooperative throttle used by the
// outbox dispatcher.
//
// Each tenant gets a golang.org/x/time/rate limiter allowing one dispatch per
// MinSpacing, followed by a random jitter of up to MaxJitter. Tenants that stay
// idle for IdleTTL are evicted by an opportunistic sweep so memory stays
// bounded by the set of recently active tenants.
//
// Waiting is context-aware: a slow tenant only delays the goroutine
// dispatching its own records.
package throttle

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes a Throttler. Zero MinSpacing disables spacing; zero MaxJitter
// disables jitter.
type Config struct {
	MinSpacing      time.Duration
	MaxJitter       time.Duration
	CleanupInterval time.Duration
	IdleTTL         time.Duration
}

type tenant struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttler spaces dispatches per tenant. It is safe for concurrent use.
type Throttler struct {
	cfg Config

	mu        sync.Mutex
	tenants   map[string]*tenant
	lastSweep time.Time

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// New returns a Throttler. Missing cleanup settings default to one minute
// between sweeps and a ten minute idle TTL.
func New(cfg Config) *Throttler {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Throttler{
		cfg:       cfg,
		tenants:   make(map[string]*tenant),
		lastSweep: time.Now(),
		now:       time.Now,
		jitter:    randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Wait blocks until tenantID may dispatch again, or ctx ends.
func (t *Throttler) Wait(ctx context.Context, tenantID string) error {
	if err := t.limiter(tenantID).Wait(ctx); err != nil {
		return err
	}
	d := t.jitter(t.cfg.MaxJitter)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// limiter returns the tenant's limiter, creating it if absent. The sweep runs
// before the lookup so a stale entry is dropped even when it is the one asked for.
func (t *Throttler) limiter(tenantID string) *rate.Limiter {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastSweep) >= t.cfg.CleanupInterval {
		t.sweepLocked(now)
	}

	if v, ok := t.tenants[tenantID]; ok {
		v.lastSeen = now
		return v.limiter
	}
	limit := rate.Inf
	if t.cfg.MinSpacing > 0 {
		limit = rate.Every(t.cfg.MinSpacing)
	}
	lim := rate.NewLimiter(limit, 1)
	t.tenants[tenantID] = &tenant{limiter: lim, lastSeen: now}
	return lim
}

// Sweep evicts tenants idle for at least IdleTTL and returns how many were removed.
func (t *Throttler) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(t.now())
}

func (t *Throttler) sweepLocked(now time.Time) int {
	n := 0
	for k, v := range t.tenants {
		if now.Sub(v.lastSeen) >= t.cfg.IdleTTL {
			delete(t.tenants, k)
			n++
		}
	}
	t.lastSweep = now
	return n
}

// Len returns the number of tracked tenants.
func (t *Throttler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tenants)
}
