// Package dispatch executes queued document jobs. A Processor drives one
// job through the pipeline and records the outcome; a Broker decides where
// and when Processors run.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antigravity-dev/docket/internal/monitoring"
	"github.com/antigravity-dev/docket/internal/pipeline"
	"github.com/antigravity-dev/docket/internal/store"
)

// Task identifies one document job to process. Content travels base64
// encoded so the task survives JSON serialization by any broker.
type Task struct {
	JobID       string `json:"job_id"`
	DocumentID  string `json:"document_id"`
	ContentType string `json:"content_type"`
	ContentB64  string `json:"content_b64"`
}

// Result is what a finished job reports back.
type Result struct {
	JobID        string            `json:"job_id"`
	DocumentID   string            `json:"document_id"`
	Status       string            `json:"status"`
	ReviewItemID string            `json:"review_item_id,omitempty"`
	Outputs      map[string]string `json:"outputs"`
}

// Broker hands accepted tasks to whatever executes them.
type Broker interface {
	Enqueue(ctx context.Context, task Task) error
}

// Processor runs one task end to end: it stamps the job started, drives the
// pipeline, and records the terminal status.
type Processor struct {
	store   *store.Store
	runner  *pipeline.Runner
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

// NewProcessor wires a processor over the shared store, pipeline and metrics.
func NewProcessor(st *store.Store, runner *pipeline.Runner, metrics *monitoring.Metrics, logger *slog.Logger) *Processor {
	return &Processor{store: st, runner: runner, metrics: metrics, logger: logger}
}

// Process executes the task. A returned error means the job failed after
// the pipeline's own retries and the broker may deliver the task again.
func (p *Processor) Process(ctx context.Context, task Task) (Result, error) {
	fileBytes, err := base64.StdEncoding.DecodeString(task.ContentB64)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: decode content: %w", err)
	}

	if err := p.store.MarkJobStarted(task.JobID); err != nil {
		return Result{}, err
	}
	if err := p.store.SetDocumentStatus(task.DocumentID, "processing"); err != nil {
		return Result{}, err
	}
	if err := p.store.AppendAudit(store.AuditEntry{
		DocumentID: task.DocumentID,
		JobID:      task.JobID,
		Actor:      "system",
		Action:     "processing_started",
		Details:    map[string]any{"content_type": task.ContentType},
	}); err != nil {
		return Result{}, err
	}

	locked := map[string]any{}
	doc, err := p.store.GetDocument(task.DocumentID)
	switch {
	case err == nil:
		locked = doc.LockedFields
	case errors.Is(err, store.ErrNotFound):
		// Resubmissions can race document creation; run without locks.
	default:
		return Result{}, p.fail(task, "store_error", err)
	}

	rc := pipeline.NewRunContext(task.JobID, task.DocumentID, task.ContentType, fileBytes, locked)

	start := time.Now()
	runErr := p.runner.Run(ctx, rc)
	p.metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())

	if runErr != nil {
		return Result{}, p.fail(task, pipeline.ErrorTag(runErr), runErr)
	}

	status := "completed"
	if rc.NeedsReview {
		status = "review_pending"
	}
	if err := p.store.MarkJobCompleted(task.JobID, status); err != nil {
		return Result{}, err
	}
	p.metrics.DocsProcessed.WithLabelValues(status).Inc()

	result := Result{
		JobID:      task.JobID,
		DocumentID: task.DocumentID,
		Status:     status,
		Outputs:    rc.Outputs,
	}
	if job, err := p.store.GetJob(task.JobID); err == nil {
		result.ReviewItemID = job.ReviewItemID
		result.Outputs = job.Outputs
	}

	p.logger.Info("job finished",
		"job_id", task.JobID,
		"document_id", task.DocumentID,
		"status", status,
		"duration", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// fail records the failed terminal state and hands the original error back
// for the broker's retry policy. Store errors on this path are logged, not
// returned, so the root cause survives.
func (p *Processor) fail(task Task, tag string, cause error) error {
	p.metrics.ProcessingErrors.Inc()

	if err := p.store.FailJob(task.JobID, tag); err != nil {
		p.logger.Error("failed to mark job failed", "job_id", task.JobID, "error", err)
	}
	if err := p.store.SetDocumentStatus(task.DocumentID, "failed"); err != nil {
		p.logger.Error("failed to mark document failed", "document_id", task.DocumentID, "error", err)
	}
	if err := p.store.AppendAudit(store.AuditEntry{
		DocumentID: task.DocumentID,
		JobID:      task.JobID,
		Actor:      "system",
		Action:     "processing_failed",
		Details:    map[string]any{"error": tag},
	}); err != nil {
		p.logger.Error("failed to append failure audit", "job_id", task.JobID, "error", err)
	}

	p.logger.Error("job failed", "job_id", task.JobID, "document_id", task.DocumentID, "error", cause)
	return fmt.Errorf("dispatch: job %s: %w", task.JobID, cause)
}
