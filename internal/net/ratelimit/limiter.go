// Package ratelimit keeps one token bucket per execution venue.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is the bucket shape of one venue
type Limit struct {
	RPS   float64
	Burst int
}

// Limiter hands out per-venue token buckets. Venues without an explicit
// limit share the shape of the fallback.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*rate.Limiter
	limits   map[string]Limit
	fallback Limit
}

// NewLimiter creates a limiter whose unknown venues use fallback
func NewLimiter(fallback Limit) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		limits:   make(map[string]Limit),
		fallback: fallback,
	}
}

// Configure sets the limit of one venue, replacing any existing bucket
func (l *Limiter) Configure(venue string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits[venue] = limit
	if b, ok := l.buckets[venue]; ok {
		b.SetLimit(toLimit(limit.RPS))
		b.SetBurst(limit.Burst)
	}
}

func (l *Limiter) bucket(venue string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[venue]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[venue]; ok {
		return b
	}
	limit, ok := l.limits[venue]
	if !ok {
		limit = l.fallback
	}
	b = rate.NewLimiter(toLimit(limit.RPS), limit.Burst)
	l.buckets[venue] = b
	return b
}

// Allow reports whether a call to venue may proceed now
func (l *Limiter) Allow(venue string) bool {
	return l.bucket(venue).Allow()
}

// Wait blocks until venue has a token. It fails immediately when the wait
// would outlive the context deadline.
func (l *Limiter) Wait(ctx context.Context, venue string) error {
	if err := l.bucket(venue).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", venue, err)
	}
	return nil
}

// Stats reports the bucket state of every venue seen so far
func (l *Limiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := time.Now()
	out := make(map[string]Stats, len(l.buckets))
	for venue, b := range l.buckets {
		out[venue] = Stats{
			Venue:  venue,
			RPS:    float64(b.Limit()),
			Burst:  b.Burst(),
			Tokens: b.TokensAt(now),
		}
	}
	return out
}

// Stats is a point-in-time view of one bucket
type Stats struct {
	Venue  string  `json:"venue"`
	RPS    float64 `json:"rps"`
	Burst  int     `json:"burst"`
	Tokens float64 `json:"tokens"`
}

// Throttled reports whether the bucket is empty
func (s Stats) Throttled() bool { return s.Tokens < 1 }

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
