// Package ratelimit gates stream requests per client with a sliding-window log.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 when denied.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	return max(1, int(math.Ceil(d.RetryAfter.Seconds())))
}

// Limiter admits or rejects requests for a key. Implementations never return
// errors to the caller; a store failure admits the request.
type Limiter interface {
	Check(ctx context.Context, key string) Decision
}

// retryAfter is how long until the oldest hit in the window expires.
func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
