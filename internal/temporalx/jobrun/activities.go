package jobrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/timottowitz/hmlr/internal/clients/redisx"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	jobrt "github.com/timottowitz/hmlr/internal/jobs/runtime"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"

	"go.temporal.io/sdk/activity"
)

// Activities hosts the single "job_run_tick" Temporal activity that fronts
// the SQL-backed job_run table. One long-poll workflow instance per job_run
// row calls Tick repeatedly until the row reaches a terminal status.
type Activities struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Jobs     reposhmlr.JobRunRepo
	Registry *jobrt.Registry
	Bus      redisx.Bus // optional; nil when Redis is unconfigured
}

func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.DB == nil || a.Jobs == nil || a.Registry == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}

	parsedJobID, err := uuid.Parse(res.JobID)
	if err != nil || parsedJobID == uuid.Nil {
		return res, fmt.Errorf("jobrun: invalid job_id")
	}

	job, err := a.Jobs.GetByID(dbctx.Context{Ctx: ctx, Tx: a.DB}, parsedJobID)
	if err != nil {
		return res, err
	}
	if job == nil {
		return res, fmt.Errorf("jobrun: job not found")
	}

	status := string(job.Status)
	if status == string(domainhmlr.JobRunStatusSucceeded) || status == string(domainhmlr.JobRunStatusFailed) {
		res.Status = status
		return res, nil
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	h, ok := a.Registry.Get(job.JobType)
	jc := jobrt.NewContext(ctx, a.DB, job, a.Jobs, a.Bus)
	handlerRanClean := false
	if !ok {
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType))
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if a.Log != nil {
						a.Log.Error("Job handler panic", "job_id", parsedJobID, "job_type", job.JobType, "panic", r)
					}
					jc.Fail("panic", fmt.Errorf("panic: unexpected error"))
				}
			}()
			if runErr := h.Run(jc); runErr != nil {
				jc.Fail("run", runErr)
				return
			}
			handlerRanClean = true
		}()
	}

	// Safety net: a handler that returns nil without calling Succeed/Fail would
	// otherwise leave the row "pending" forever and spin the workflow loop.
	if handlerRanClean && jc.Job.Status == domainhmlr.JobRunStatusPending {
		jc.Succeed(nil)
	}

	res.Status = string(jc.Job.Status)
	return res, nil
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
