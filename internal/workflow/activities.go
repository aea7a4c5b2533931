package workflow

import (
	"context"

	"github.com/llmrank/runner/internal/scheduler"
)

// Activities holds the scheduler dependency for workflow activities.
type Activities struct {
	Scheduler *scheduler.Scheduler
}

// RunBatch executes one scheduler pass. The returned Result feeds the
// workflow's loop decision.
func (a *Activities) RunBatch(ctx context.Context, batchSize int) (*scheduler.Result, error) {
	return a.Scheduler.TriggerBatch(ctx, batchSize)
}
