// Package worker wires the Temporal worker: it registers the crawl workflow
// and its batch activity against the task queue.
package worker

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/llmrank/runner/internal/scheduler"
	wf "github.com/llmrank/runner/internal/workflow"
)

// New builds a Temporal worker bound to the crawl task queue with the
// workflow and activities registered. The caller owns the worker lifecycle
// (Run/Stop) and the Temporal client.
func New(c client.Client, sched *scheduler.Scheduler, logger *slog.Logger) (worker.Worker, error) {
	if c == nil {
		return nil, fmt.Errorf("temporal client is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := worker.New(c, wf.TaskQueue, worker.Options{})
	w.RegisterWorkflow(wf.CrawlWorkflow)
	w.RegisterActivity(&wf.Activities{Scheduler: sched})

	logger.Info("temporal worker configured", "task_queue", wf.TaskQueue)
	return w, nil
}
