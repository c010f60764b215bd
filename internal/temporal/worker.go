package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/docket/internal/config"
)

// RunWorker serves the task queue until ctx is cancelled. It blocks.
func RunWorker(ctx context.Context, c client.Client, cfg config.Temporal, acts *Activities, logger *slog.Logger) error {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(ProcessDocumentWorkflow)
	w.RegisterActivity(acts.ProcessDocument)

	if err := w.Start(); err != nil {
		return fmt.Errorf("temporal: start worker: %w", err)
	}
	logger.Info("temporal worker started", "task_queue", cfg.TaskQueue)

	<-ctx.Done()
	w.Stop()
	logger.Info("temporal worker stopped")
	return nil
}
