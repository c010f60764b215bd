package temporal

import (
	"context"

	"github.com/antigravity-dev/docket/internal/dispatch"
)

// Activities holds the worker-side dependencies activities need. The
// processor is injected so activities stay thin shims over dispatch.
type Activities struct {
	Processor *dispatch.Processor
}

// ProcessDocument runs one job through the pipeline. Errors are returned
// as-is so the workflow's retry policy decides what happens next.
func (a *Activities) ProcessDocument(ctx context.Context, task dispatch.Task) (dispatch.Result, error) {
	return a.Processor.Process(ctx, task)
}
