package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/arena/internal/metrics"
)

// MemoryLimiter keeps the sliding-window log in process memory. Each instance
// counts independently, so a multi-instance deployment admits up to
// instances*limit requests per window.
type MemoryLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewMemoryLimiter returns a per-process limiter.
func NewMemoryLimiter(limit int, window time.Duration, prefix string) *MemoryLimiter {
	return &MemoryLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		prefix: prefix,
		now:    time.Now,
	}
}

// Check records a hit for key unless the window is full.
func (l *MemoryLimiter) Check(_ context.Context, key string) Decision {
	bucket := l.prefix + ":" + key
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.hits[bucket][:0]
	for _, t := range l.hits[bucket] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[bucket] = kept
		metrics.RateLimitDecisions.WithLabelValues("denied").Inc()
		return Decision{Allowed: false, RetryAfter: retryAfter(kept[0], l.window, now)}
	}
	l.hits[bucket] = append(kept, now)
	metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	return Decision{Allowed: true}
}

// Sweep drops buckets whose hits have all expired.
func (l *MemoryLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for k, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, k)
		}
	}
}
