package temporal

import (
	"context"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	sdklog "go.temporal.io/sdk/log"

	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/dispatch"
)

// Dial connects to the Temporal server named in the config. SDK logs come
// out through the daemon's slog handler.
func Dial(cfg config.Temporal, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    sdklog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// Broker enqueues document tasks as Temporal workflows.
type Broker struct {
	client client.Client
	cfg    config.Temporal
	logger *slog.Logger
}

// NewBroker wraps an established client.
func NewBroker(c client.Client, cfg config.Temporal, logger *slog.Logger) *Broker {
	return &Broker{client: c, cfg: cfg, logger: logger}
}

// Enqueue starts a workflow for the task. The workflow ID is derived from
// the job so the same job can never run twice concurrently.
func (b *Broker) Enqueue(ctx context.Context, task dispatch.Task) error {
	opts := client.StartWorkflowOptions{
		ID:                    "doc-" + task.JobID,
		TaskQueue:             b.cfg.TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowRunTimeout:    b.cfg.WorkflowTimeout.Duration,
	}

	run, err := b.client.ExecuteWorkflow(ctx, opts, ProcessDocumentWorkflow, task)
	if err != nil {
		return fmt.Errorf("temporal: start workflow for job %s: %w", task.JobID, err)
	}

	b.logger.Info("job enqueued",
		"job_id", task.JobID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID())
	return nil
}

// HealthCheck probes the Temporal frontend so /health can report on it.
func (b *Broker) HealthCheck(ctx context.Context) error {
	_, err := b.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}
