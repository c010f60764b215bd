// Package temporal runs document jobs through a Temporal task queue so
// processing survives daemon restarts and rides on the server's retry
// policy instead of in-process goroutines.
package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/docket/internal/dispatch"
)

const (
	processStartToClose = 10 * time.Minute
	processInitialRetry = 2 * time.Second
	processBackoff      = 2.0
	processMaxAttempts  = 5
)

// ProcessDocumentWorkflow drives one document job as a single activity. The
// pipeline inside the activity already retries individual steps; the policy
// here re-runs the whole job when the worker dies or the run fails outright.
func ProcessDocumentWorkflow(ctx workflow.Context, task dispatch.Task) (dispatch.Result, error) {
	opts := workflow.ActivityOptions{
		StartToCloseTimeout: processStartToClose,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    processInitialRetry,
			BackoffCoefficient: processBackoff,
			MaximumAttempts:    processMaxAttempts,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, opts)

	logger := workflow.GetLogger(ctx)
	logger.Info("processing document", "JobID", task.JobID, "DocumentID", task.DocumentID)

	var a *Activities
	var result dispatch.Result
	if err := workflow.ExecuteActivity(ctx, a.ProcessDocument, task).Get(ctx, &result); err != nil {
		return dispatch.Result{}, fmt.Errorf("process document: %w", err)
	}

	logger.Info("document processed", "JobID", task.JobID, "Status", result.Status)
	return result, nil
}
