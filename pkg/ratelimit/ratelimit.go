package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a quota check. Denied decisions carry the
// duration after which a retry could succeed; the caller decides whether to
// back off, queue, or reject. Check itself never blocks.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Guard applies per-key token buckets. Keys are tenant strings; a second
// Guard instance can be layered for per-template limits.
type Guard struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGuard creates a Guard refilling perSecond tokens with the given burst
// capacity per key.
func NewGuard(perSecond float64, burst int) *Guard {
	return &Guard{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Check consumes weight tokens from key's bucket if available. Buckets are
// created lazily so an idle tenant costs nothing.
func (g *Guard) Check(key string, weight int) Decision {
	now := time.Now()

	g.mu.Lock()
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[key] = b
	}
	b.lastSeen = now
	g.mu.Unlock()

	r := b.limiter.ReserveN(now, weight)
	if !r.OK() {
		// Weight exceeds burst: this key can never pass. Report a full
		// refill as the retry hint.
		return Decision{Allowed: false, RetryAfter: time.Duration(float64(g.burst)/float64(g.limit)) * time.Second}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// Prune drops buckets idle for longer than maxIdle and returns the number
// removed. The pool manager calls this periodically; a pruned tenant simply
// gets a fresh (full) bucket on its next request.
func (g *Guard) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
