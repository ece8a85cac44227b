// Package ratelimit provides a per-subject token-bucket rate limiter.
// Each authenticated subject (user, api key, or anonymous remote address)
// gets its own bucket; buckets refill at a fixed rate and are evicted
// after a period of inactivity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleEviction = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a shared rate/burst to every subject independently.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
}

// New creates a limiter allowing rps requests per second with the given burst.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 20
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow consumes one token from the subject's bucket, creating it on
// first sight. Returns false when the bucket is empty.
func (l *Limiter) Allow(subject string) bool {
	return l.allowAt(subject, time.Now())
}

func (l *Limiter) allowAt(subject string, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets[subject]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[subject] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Tokens reports the current token count for a subject's bucket at the
// given instant. Unknown subjects have a full bucket.
func (l *Limiter) Tokens(subject string, at time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[subject]
	if !ok {
		return float64(l.burst)
	}
	return b.limiter.TokensAt(at)
}

// Sweep evicts buckets idle longer than the eviction window and returns
// the number removed.
func (l *Limiter) Sweep() int {
	cutoff := time.Now().Add(-idleEviction)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for subject, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, subject)
			removed++
		}
	}
	return removed
}

// SweepLoop runs Sweep on an interval until stop is closed.
func (l *Limiter) SweepLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
