package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow is a generic long-poll wrapper around a job_run row: it calls
// the job_run_tick activity until the row reaches succeeded or failed,
// sleeping between ticks so a multi-minute synthesis job doesn't busy-poll.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("jobrun: missing job_id")
	}

	const (
		pollInterval      = 2 * time.Second
		continueTickLimit = 2000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	tickCount := 0
	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return err
		}

		switch strings.ToLower(strings.TrimSpace(out.Status)) {
		case "succeeded":
			return nil
		case "failed":
			return fmt.Errorf("job failed (job_id=%s)", jobID)
		default:
			if err := workflow.Sleep(ctx, pollInterval); err != nil {
				return err
			}
			if tickCount >= continueTickLimit {
				return workflow.NewContinueAsNewError(ctx, Workflow)
			}
		}
	}
}
