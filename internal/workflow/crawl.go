// Package workflow defines the Temporal workflow that drives batch passes
// until no pending work remains. Durable execution means a crashed worker
// resumes the loop instead of abandoning a half-crawled corpus.
package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/llmrank/runner/internal/scheduler"
)

const (
	// TaskQueue is the Temporal task queue for crawl workflows and
	// activities.
	TaskQueue = "llmrank-crawl"

	// RunBatchActivityName must match the registered activity method name.
	RunBatchActivityName = "RunBatch"

	// batchActivityTimeout bounds one whole batch pass: batch size times
	// the cross-product times the worst-case per-call wait.
	batchActivityTimeout = 30 * time.Minute

	// maxPassesPerRun caps history growth before continue-as-new.
	maxPassesPerRun = 500
)

// CrawlParams parameterizes a crawl run.
type CrawlParams struct {
	// BatchSize overrides the scheduler default when positive.
	BatchSize int `json:"batch_size"`

	// PassesSoFar carries the running total across continue-as-new.
	PassesSoFar int `json:"passes_so_far"`

	// ProcessedSoFar and ErrorsSoFar likewise.
	ProcessedSoFar int `json:"processed_so_far"`
	ErrorsSoFar    int `json:"errors_so_far"`
}

// CrawlSummary is the workflow result.
type CrawlSummary struct {
	Passes    int `json:"passes"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// CrawlWorkflow executes RunBatch activities until a pass reports no more
// pending work. Each pass is an activity so batch failures retry under
// Temporal's policy without losing loop position.
func CrawlWorkflow(ctx workflow.Context, params CrawlParams) (*CrawlSummary, error) {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: batchActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    2 * time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	summary := &CrawlSummary{
		Passes:    params.PassesSoFar,
		Processed: params.ProcessedSoFar,
		Errors:    params.ErrorsSoFar,
	}

	for {
		var result scheduler.Result
		err := workflow.ExecuteActivity(ctx, RunBatchActivityName, params.BatchSize).Get(ctx, &result)
		if err != nil {
			logger.Error("batch pass failed permanently", "error", err)
			return summary, err
		}

		summary.Passes++
		summary.Processed += result.Processed
		summary.Errors += result.Errors

		if !result.MoreWork {
			logger.Info("crawl complete",
				"passes", summary.Passes,
				"processed", summary.Processed,
				"errors", summary.Errors)
			return summary, nil
		}

		if summary.Passes-params.PassesSoFar >= maxPassesPerRun {
			return nil, workflow.NewContinueAsNewError(ctx, CrawlWorkflow, CrawlParams{
				BatchSize:      params.BatchSize,
				PassesSoFar:    summary.Passes,
				ProcessedSoFar: summary.Processed,
				ErrorsSoFar:    summary.Errors,
			})
		}
	}
}
