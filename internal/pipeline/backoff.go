package pipeline

import (
	"math"
	"math/rand"
	"time"
)

const (
	retryBase = 500 * time.Millisecond
	retryCap  = 6 * time.Second
)

// BackoffDelay calculates the pause before retrying a step.
// Uses exponential backoff: base * 2^attempt, capped at maxDelay, then
// jittered to between 50% and 150% of the capped value so retrying steps
// don't stampede a struggling provider in lockstep.
func BackoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := math.Pow(2, float64(attempt))

	delay := maxDelay
	// math.Pow returns +Inf on overflow
	if !math.IsInf(multiplier, 1) && multiplier <= float64(maxDelay)/float64(base) {
		delay = time.Duration(float64(base) * multiplier)
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	return time.Duration(float64(delay) * (0.5 + rand.Float64()))
}
