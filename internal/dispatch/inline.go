package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	inlineMaxAttempts = 5
	inlineBaseDelay   = 2 * time.Second
)

// Inline executes tasks in-process, one goroutine per task. It mirrors the
// external broker's retry policy so behavior matches when running without
// one, which is how tests and single-node deployments run.
type Inline struct {
	processor *Processor
	logger    *slog.Logger

	wg sync.WaitGroup

	maxAttempts int
	baseDelay   time.Duration
}

// NewInline returns an in-process broker over the given processor.
func NewInline(processor *Processor, logger *slog.Logger) *Inline {
	return &Inline{
		processor:   processor,
		logger:      logger,
		maxAttempts: inlineMaxAttempts,
		baseDelay:   inlineBaseDelay,
	}
}

// Enqueue starts the task in the background and returns immediately. The
// task keeps running if the caller's request context is cancelled.
func (b *Inline) Enqueue(ctx context.Context, task Task) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(context.WithoutCancel(ctx), task)
	}()
	return nil
}

// Wait blocks until every enqueued task has finished. Used on shutdown.
func (b *Inline) Wait() {
	b.wg.Wait()
}

func (b *Inline) run(ctx context.Context, task Task) {
	delay := b.baseDelay
	for attempt := 1; ; attempt++ {
		_, err := b.processor.Process(ctx, task)
		if err == nil {
			return
		}
		if attempt >= b.maxAttempts {
			b.logger.Error("task exhausted retries",
				"job_id", task.JobID, "attempts", attempt, "error", err)
			return
		}
		b.logger.Warn("task retrying",
			"job_id", task.JobID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}
