package worker

import (
	"context"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/timottowitz/hmlr/internal/clients/redisx"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	"github.com/timottowitz/hmlr/internal/jobs/runtime"
	"github.com/timottowitz/hmlr/internal/observability"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

/*
Job worker is the execution engine for the SQL-backed job_run queue.

High-level responsibilities:
  - Poll job_run for pending rows, one goroutine per job_type
  - Claim a row atomically (repo uses SKIP LOCKED) so only one worker runs it
  - Dispatch to the handler registered for that job_type (runtime.Registry)
  - Wrap execution with panic recovery and a safety-net error -> Fail

The worker is infrastructure; it knows nothing of business logic. All
business logic lives in job handlers (jobs/scribe), which only
interact through runtime.Context.
*/

// JobTypes is the fixed set of job_run.job_type values this worker polls.
// Scribe day/week synthesis and end-of-day block closure are the only
// background jobs this spec defines; new job types are added here and to
// the registry passed to NewWorker.
var JobTypes = []string{"scribe_day_synthesis", "scribe_week_synthesis", "block_close_synthesis"}

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     reposhmlr.JobRunRepo
	registry *runtime.Registry
	bus      redisx.Bus
}

// NewWorker wires a job worker; bus may be nil when Redis is unconfigured,
// in which case job lifecycle events are simply not published.
func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo reposhmlr.JobRunRepo, registry *runtime.Registry, bus redisx.Bus) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		bus:      bus,
	}
}

// Start launches one polling goroutine per job type. WORKER_POLL_INTERVAL_SECONDS
// controls the tick (default 2s); the DB claim query prevents double
// execution across goroutines/processes.
func (w *Worker) Start(ctx context.Context) {
	interval := time.Duration(getEnvInt("WORKER_POLL_INTERVAL_SECONDS", 2)) * time.Second
	w.log.Info("Starting job worker", "job_types", JobTypes, "interval", interval)
	for _, jt := range JobTypes {
		go w.runLoop(ctx, jt, interval)
	}
}

func (w *Worker) runLoop(ctx context.Context, jobType string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "job_type", jobType)
			return
		case <-ticker.C:
			w.tick(ctx, jobType)
		}
	}
}

func (w *Worker) tick(ctx context.Context, jobType string) {
	job, err := w.repo.ClaimNextPending(dbctx.Context{Ctx: ctx, Tx: w.db}, jobType)
	if err != nil {
		w.log.Warn("ClaimNextPending failed", "job_type", jobType, "error", err)
		return
	}
	if job == nil {
		return
	}

	h, ok := w.registry.Get(jobType)
	jc := runtime.NewContext(ctx, w.db, job, w.repo, w.bus)
	if !ok {
		w.log.Warn("No handler registered for job_type", "job_type", jobType, "job_id", job.ID)
		jc.Fail("dispatch", &missingHandlerError{JobType: jobType})
		return
	}

	start := time.Now()
	status := "succeeded"
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic", "job_id", job.ID, "job_type", jobType, "panic", r)
				jc.Fail("panic", errFromRecover(r))
				status = "failed"
			}
		}()
		if runErr := h.Run(jc); runErr != nil {
			// Most handlers call jc.Fail themselves; this is a safety net.
			jc.Fail("run", runErr)
			status = "failed"
		}
	}()
	if m := observability.Current(); m != nil {
		m.ObserveJob(jobType, status, time.Since(start))
	}
}

// missingHandlerError is used when a job is claimed but no handler exists
// for job_type; usually a wiring/config issue.
type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + e.JobType
}

func errFromRecover(v any) error { return &panicError{Val: v} }

// panicError intentionally avoids leaking the raw panic value into job_run.error.
type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
