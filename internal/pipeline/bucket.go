package pipeline

import (
	"context"
	"math"
	"sync"
	"time"
)

// Starved callers re-check for refilled tokens at this interval.
const bucketPollInterval = 25 * time.Millisecond

// TokenBucket smooths a step's calls to an external provider: capacity equals
// the configured burst and refills continuously at rps. Safe for concurrent
// use.
type TokenBucket struct {
	mu     sync.Mutex
	rps    float64
	cap    float64
	tokens float64
	last   time.Time
}

// NewTokenBucket returns a bucket that starts full.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	c := float64(burst)
	return &TokenBucket{rps: rps, cap: c, tokens: c, last: time.Now()}
}

// Take blocks until n tokens are available or ctx is done. The lock is never
// held across a sleep, so waiting callers do not starve each other.
func (b *TokenBucket) Take(ctx context.Context, n float64) error {
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.last).Seconds()
		b.last = now
		b.tokens = math.Min(b.cap, b.tokens+elapsed*b.rps)
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bucketPollInterval):
		}
	}
}
