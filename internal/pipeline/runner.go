package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/docket/internal/config"
)

// Runner executes the configured step DAG layer by layer. One Runner serves
// the whole worker: rate limiters are shared across concurrent Run calls so
// provider limits hold process-wide.
type Runner struct {
	registry *Registry
	steps    map[string]config.Step
	layers   [][]string
	limiters map[string]*TokenBucket
	logger   *slog.Logger
}

// NewRunner validates the DAG and prepares the execution layers.
func NewRunner(steps map[string]config.Step, registry *Registry, logger *slog.Logger) (*Runner, error) {
	deps := make(map[string][]string, len(steps))
	for name, step := range steps {
		deps[name] = step.DependsOn
	}

	if err := ValidateGraph(deps); err != nil {
		return nil, fmt.Errorf("pipeline: invalid step graph: %w", err)
	}
	layers, err := TopoLayers(deps)
	if err != nil {
		return nil, fmt.Errorf("pipeline: invalid step graph: %w", err)
	}

	limiters := map[string]*TokenBucket{}
	for name, step := range steps {
		if step.RateLimitRPS > 0 && step.RateLimitBurst > 0 {
			limiters[name] = NewTokenBucket(step.RateLimitRPS, step.RateLimitBurst)
		}
	}

	return &Runner{
		registry: registry,
		steps:    steps,
		layers:   layers,
		limiters: limiters,
		logger:   logger,
	}, nil
}

// Layers exposes the computed execution order.
func (r *Runner) Layers() [][]string {
	return r.layers
}

// Run executes every layer in order. Steps in a layer run concurrently; a
// failing step does not cancel its layer peers, but no later layer starts and
// the first error is returned. Safe for concurrent use across jobs.
func (r *Runner) Run(ctx context.Context, rc *RunContext) error {
	for i, layer := range r.layers {
		start := time.Now()

		var g errgroup.Group
		for _, name := range layer {
			g.Go(func() error {
				return r.runStep(ctx, name, rc)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		r.logger.Debug("layer complete",
			"job_id", rc.JobID,
			"layer", i,
			"steps", layer,
			"elapsed", time.Since(start))
	}
	return nil
}

// runStep drives one step through its retry budget. The rate limiter is
// re-acquired before every attempt so retries pay the same toll as first
// tries.
func (r *Runner) runStep(ctx context.Context, name string, rc *RunContext) error {
	step := r.steps[name]

	handler, err := r.registry.Get(step.Kind)
	if err != nil {
		return &StepError{Step: name, Err: err, Fatal: true}
	}

	attempts := step.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if limiter := r.limiters[name]; limiter != nil {
			if err := limiter.Take(ctx, 1); err != nil {
				return &StepError{Step: name, Err: err, Fatal: true}
			}
		}

		err := handler.Run(ctx, rc, step)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("step recovered after retry",
					"job_id", rc.JobID, "step", name, "attempt", attempt+1)
			}
			return nil
		}

		if IsFatal(err) {
			r.logger.Error("step failed fatally",
				"job_id", rc.JobID, "step", name, "error", err)
			return &StepError{Step: name, Err: err, Fatal: true}
		}

		last = err
		r.logger.Warn("step attempt failed",
			"job_id", rc.JobID, "step", name, "attempt", attempt+1, "error", err)

		if attempt < attempts-1 {
			delay := BackoffDelay(attempt, retryBase, retryCap)
			select {
			case <-ctx.Done():
				return &StepError{Step: name, Err: ctx.Err(), Fatal: true}
			case <-time.After(delay):
			}
		}
	}

	return &StepError{Step: name, Err: last}
}
