package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	b := NewTokenBucket(1.0, 3)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := b.Take(ctx, 1); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 3 took %v, want immediate", elapsed)
	}

	// Bucket is drained; the next token needs ~1s at 1 rps.
	timeout, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := b.Take(timeout, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("take on drained bucket = %v, want deadline exceeded", err)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	b := NewTokenBucket(20.0, 1)
	ctx := context.Background()

	if err := b.Take(ctx, 1); err != nil {
		t.Fatalf("first take: %v", err)
	}

	start := time.Now()
	if err := b.Take(ctx, 1); err != nil {
		t.Fatalf("second take: %v", err)
	}
	elapsed := time.Since(start)

	// One token at 20 rps regenerates in 50ms; the poll loop adds at most
	// one more interval.
	if elapsed < 40*time.Millisecond {
		t.Errorf("second take returned after %v, want >= 40ms", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("second take returned after %v, want well under 500ms", elapsed)
	}
}

func TestTokenBucketCapAtBurst(t *testing.T) {
	b := NewTokenBucket(100.0, 2)
	ctx := context.Background()

	// However long the bucket sits idle, only burst tokens accumulate.
	time.Sleep(120 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := b.Take(ctx, 1); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("draining burst took %v, want immediate", elapsed)
	}
}

func TestTokenBucketCancelledContext(t *testing.T) {
	b := NewTokenBucket(0.1, 1)
	ctx := context.Background()

	if err := b.Take(ctx, 1); err != nil {
		t.Fatalf("first take: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := b.Take(cancelled, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("take with cancelled context = %v, want context.Canceled", err)
	}
}
