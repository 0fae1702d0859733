package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/timottowitz/hmlr/internal/clients/redisx"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// Context is the execution handle a job.Handler gets for a single claimed
// JobRun. Handlers never touch the job_run row directly; they report
// completion through Fail/Succeed so the terminal-state write stays in one
// place.
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *domainhmlr.JobRun
	Repo    reposhmlr.JobRunRepo
	Bus     redisx.Bus // optional; nil when Redis is unconfigured
	payload map[string]any
}

// NewContext constructs a runtime.Context for a claimed job execution,
// eagerly decoding the payload so handlers can read inputs via Payload().
func NewContext(ctx context.Context, db *gorm.DB, job *domainhmlr.JobRun, repo reposhmlr.JobRunRepo, bus redisx.Bus) *Context {
	c := &Context{Ctx: ctx, DB: db, Job: job, Repo: repo, Bus: bus}
	_ = c.decodePayload()
	return c
}

func (c *Context) publish(status, message string) {
	if c == nil || c.Bus == nil || c.Job == nil {
		return
	}
	_ = c.Bus.Publish(c.Ctx, redisx.Event{
		JobID:   c.Job.ID.String(),
		JobType: c.Job.JobType,
		Status:  status,
		Message: message,
	})
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		c.payload = map[string]any{}
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload returns the decoded payload map for this job execution. Never nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field by key and parses it as a UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Fail marks the job run terminally failed and records the error message.
func (c *Context) Fail(stage string, err error) {
	if c == nil || c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	msg := stage
	if err != nil {
		if msg != "" {
			msg = stage + ": " + err.Error()
		} else {
			msg = err.Error()
		}
	}
	_ = c.Repo.MarkFailed(dbctx.Context{Ctx: c.Ctx, Tx: c.DB}, c.Job.ID, msg)
	c.Job.Status = domainhmlr.JobRunStatusFailed
	c.publish(string(domainhmlr.JobRunStatusFailed), msg)
}

// Succeed marks the job run terminally succeeded, serializing result as JSON.
func (c *Context) Succeed(result any) {
	if c == nil || c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}
	_ = c.Repo.MarkSucceeded(dbctx.Context{Ctx: c.Ctx, Tx: c.DB}, c.Job.ID, res)
	c.Job.Status = domainhmlr.JobRunStatusSucceeded
	c.publish(string(domainhmlr.JobRunStatusSucceeded), "")
}
