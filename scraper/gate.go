package scraper

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate serializes requests to one site and spaces them by a jittered delay.
// Different sites use different gates and never wait on each other.
type Gate struct {
	sem      chan struct{}
	minDelay time.Duration
	maxDelay time.Duration
	limiter  *rate.Limiter
	last     time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

func NewGate(minDelay, maxDelay time.Duration) *Gate {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &Gate{
		sem:      make(chan struct{}, 1),
		minDelay: minDelay,
		maxDelay: maxDelay,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   rand.Int63n,
	}
}

// Do runs fn while holding the site slot. Before fn runs, at least a random
// delay in [minDelay, maxDelay] has passed since the previous request ended.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.sem }()

	if !g.last.IsZero() {
		if wait := g.nextDelay() - g.now().Sub(g.last); wait > 0 {
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	now := g.now()
	if d := g.limiter.ReserveN(now, 1).DelayFrom(now); d > 0 {
		if err := g.sleep(ctx, d); err != nil {
			return err
		}
	}

	err := fn(ctx)
	g.last = g.now()
	return err
}

func (g *Gate) nextDelay() time.Duration {
	span := int64(g.maxDelay - g.minDelay)
	if span <= 0 {
		return g.minDelay
	}
	return g.minDelay + time.Duration(g.jitter(span+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GateSet hands out one Gate per site.
type GateSet struct {
	gates map[string]*Gate
	mu    sync.RWMutex
}

func NewGateSet() *GateSet {
	return &GateSet{gates: make(map[string]*Gate)}
}

// For returns the site's gate, creating it with the given delays on first use.
func (s *GateSet) For(site string, minDelay, maxDelay time.Duration) *Gate {
	s.mu.RLock()
	g, ok := s.gates[site]
	s.mu.RUnlock()
	if ok {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if g, ok := s.gates[site]; ok {
		return g
	}
	g = NewGate(minDelay, maxDelay)
	s.gates[site] = g
	return g
}
