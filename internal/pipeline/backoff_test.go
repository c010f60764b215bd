package pipeline

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	base := 500 * time.Millisecond
	maxDelay := 6 * time.Second

	for attempt := 0; attempt < 6; attempt++ {
		expected := base * (1 << attempt)
		if expected > maxDelay {
			expected = maxDelay
		}
		lo := time.Duration(float64(expected) * 0.5)
		hi := time.Duration(float64(expected) * 1.5)

		for i := 0; i < 100; i++ {
			d := BackoffDelay(attempt, base, maxDelay)
			if d < lo || d >= hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	base := 500 * time.Millisecond
	maxDelay := 6 * time.Second

	for i := 0; i < 100; i++ {
		d := BackoffDelay(40, base, maxDelay)
		if d < 3*time.Second || d >= 9*time.Second {
			t.Fatalf("capped delay %v outside [3s, 9s)", d)
		}
	}
}

func TestBackoffDelayNegativeAttempt(t *testing.T) {
	d := BackoffDelay(-3, 500*time.Millisecond, 6*time.Second)
	if d < 250*time.Millisecond || d >= 750*time.Millisecond {
		t.Errorf("negative attempt delay %v, want first-attempt bounds", d)
	}
}
