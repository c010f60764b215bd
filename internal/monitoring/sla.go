package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/review"
	"github.com/antigravity-dev/docket/internal/store"
)

// Each built-in SLA metric is computed over its own fixed window. The
// window on a configured target is validated but does not change these.
const (
	latencyWindow    = 5 * time.Minute
	errorWindow      = 5 * time.Minute
	throughputWindow = 15 * time.Minute
	breachWindow     = time.Hour

	// A job slower than this counts as a per-job SLA breach.
	breachLatencySeconds = 30.0

	defaultEvalInterval = time.Minute
)

// Target is one SLA rule the evaluator watches.
type Target struct {
	Name       string
	Threshold  float64
	Comparator string
	Window     time.Duration
	Severity   string
}

// Result is the outcome of evaluating one target.
type Result struct {
	Name      string
	Value     float64
	Threshold float64
	Breaching bool
	Severity  string
}

// Evaluator recomputes SLA metric values on a fixed cadence, compares them
// against the configured targets and publishes both through Metrics.
type Evaluator struct {
	store    *store.Store
	queue    *review.Queue
	metrics  *Metrics
	targets  []Target
	interval time.Duration
	logger   *slog.Logger
}

// NewEvaluator builds an evaluator from the configured SLA section. Windows
// are parsed up front so a bad config fails at startup rather than on the
// first tick.
func NewEvaluator(st *store.Store, queue *review.Queue, cfg config.SLA, metrics *Metrics, logger *slog.Logger) (*Evaluator, error) {
	targets := make([]Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		window, err := config.ParseWindow(t.Window)
		if err != nil {
			return nil, fmt.Errorf("monitoring: sla target %q: %w", t.Name, err)
		}
		if t.Comparator != "lt" && t.Comparator != "gt" {
			return nil, fmt.Errorf("monitoring: sla target %q: bad comparator %q", t.Name, t.Comparator)
		}
		targets = append(targets, Target{
			Name:       t.Name,
			Threshold:  t.Threshold,
			Comparator: t.Comparator,
			Window:     window,
			Severity:   t.Severity,
		})
	}

	interval := cfg.EvalInterval.Duration
	if interval <= 0 {
		interval = defaultEvalInterval
	}

	return &Evaluator{
		store:    st,
		queue:    queue,
		metrics:  metrics,
		targets:  targets,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run evaluates all targets on the configured cadence until ctx is done.
// Evaluation errors are logged and the loop keeps going.
func (e *Evaluator) Run(ctx context.Context) {
	e.logger.Info("sla evaluator started", "targets", len(e.targets), "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sla evaluator stopped")
			return
		case <-ticker.C:
			if _, err := e.EvaluateOnce(); err != nil {
				e.logger.Error("sla evaluation failed", "error", err)
			}
		}
	}
}

// EvaluateOnce computes every metric and checks every target once.
func (e *Evaluator) EvaluateOnce() ([]Result, error) {
	return e.evaluateAt(time.Now().UTC())
}

func (e *Evaluator) evaluateAt(now time.Time) ([]Result, error) {
	values, err := e.computeValues(now)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(e.targets))
	for _, t := range e.targets {
		// Targets with names outside the built-in metric set read as 0.
		value := values[t.Name]
		breaching := isBreaching(value, t.Comparator, t.Threshold)

		e.metrics.SLACurrentValue.WithLabelValues(t.Name).Set(value)
		if breaching {
			e.metrics.SLAIsBreaching.WithLabelValues(t.Name).Set(1)
			e.metrics.SLABreaches.WithLabelValues(t.Name).Inc()
			e.logger.Warn("sla breaching",
				"sla", t.Name,
				"value", value,
				"threshold", t.Threshold,
				"comparator", t.Comparator,
				"severity", t.Severity)
		} else {
			e.metrics.SLAIsBreaching.WithLabelValues(t.Name).Set(0)
		}

		results = append(results, Result{
			Name:      t.Name,
			Value:     value,
			Threshold: t.Threshold,
			Breaching: breaching,
			Severity:  t.Severity,
		})
	}
	return results, nil
}

// computeValues derives the five built-in SLA metrics from the store as of
// the given instant.
func (e *Evaluator) computeValues(now time.Time) (map[string]float64, error) {
	latencyJobs, err := e.store.FinishedJobsSince(now.Add(-latencyWindow))
	if err != nil {
		return nil, err
	}
	var latencies []float64
	for _, j := range latencyJobs {
		if j.StartedAt.Valid && j.CompletedAt.Valid {
			latencies = append(latencies, j.CompletedAt.Time.Sub(j.StartedAt.Time).Seconds())
		}
	}

	throughputCounts, err := e.store.CountFinishedByStatus(now.Add(-throughputWindow))
	if err != nil {
		return nil, err
	}
	processed := throughputCounts["completed"] + throughputCounts["review_pending"]
	docsPerHour := float64(processed) * float64(time.Hour) / float64(throughputWindow)

	errorCounts, err := e.store.CountFinishedByStatus(now.Add(-errorWindow))
	if err != nil {
		return nil, err
	}
	failed := errorCounts["failed"]
	terminal := errorCounts["completed"] + errorCounts["review_pending"] + failed
	errorRate := 0.0
	if terminal > 0 {
		errorRate = float64(failed) / float64(terminal) * 100
	}

	depth, err := e.queue.Depth()
	if err != nil {
		return nil, err
	}
	e.metrics.ReviewQueueDepth.Set(float64(depth))

	breachJobs, err := e.store.FinishedJobsSince(now.Add(-breachWindow))
	if err != nil {
		return nil, err
	}
	var measured, breached int
	for _, j := range breachJobs {
		if !j.StartedAt.Valid || !j.CompletedAt.Valid {
			continue
		}
		measured++
		if j.Status == "failed" ||
			j.CompletedAt.Time.Sub(j.StartedAt.Time).Seconds() > breachLatencySeconds {
			breached++
		}
	}
	breachPct := 0.0
	if measured > 0 {
		breachPct = float64(breached) / float64(measured) * 100
	}

	return map[string]float64{
		"p95_latency_seconds": p95(latencies),
		"docs_per_hour":       docsPerHour,
		"error_rate_percent":  errorRate,
		"review_queue_depth":  float64(depth),
		"sla_breach_percent":  breachPct,
	}, nil
}

// p95 is the nearest-rank 95th percentile. Empty input reads as 0.
func p95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	k := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if k < 0 {
		k = 0
	}
	return sorted[k]
}

// isBreaching reports whether a value violates its target. "lt" targets
// want the value to stay below the threshold, "gt" targets above it.
func isBreaching(value float64, comparator string, threshold float64) bool {
	if comparator == "lt" {
		return value >= threshold
	}
	return value <= threshold
}
