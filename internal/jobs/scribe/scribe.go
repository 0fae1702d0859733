// Package scribe defines the payload/result shapes and handler stub for
// the user-profile synthesis background job. Per spec.md §6 the profile
// subsystem is described only by its I/O contract, so this package wires
// the job queue plumbing (payload decode, handler registration, outbox
// enqueue) without implementing synthesis itself: the actual synthesis
// step delegates to an externally-injected ProfileSynthesizer.
package scribe

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/timottowitz/hmlr/internal/jobs/runtime"
)

// DaySynthesisJobType and WeekSynthesisJobType are the job_run.job_type
// values this handler pair answers to, matching worker.JobTypes.
const (
	DaySynthesisJobType  = "scribe_day_synthesis"
	WeekSynthesisJobType = "scribe_week_synthesis"
)

// DaySynthesisPayload is enqueued by the Orchestrator at turn commit
// (step 16), after the turn's lineage writes and outside any transaction.
type DaySynthesisPayload struct {
	UserID string `json:"userId"`
	DayID  string `json:"dayId"`
}

// WeekSynthesisPayload is enqueued by a weekly tick, keyed by the ISO
// week the days fall under.
type WeekSynthesisPayload struct {
	UserID string `json:"userId"`
	WeekID string `json:"weekId"`
	DayIDs []string `json:"dayIds"`
}

// ProfileSynthesisResult is what a ProfileSynthesizer hands back: the
// synthesized profile text plus the facts/days it drew from, for the
// job's Result column.
type ProfileSynthesisResult struct {
	ProfileText string   `json:"profileText"`
	SourceDays  []string `json:"sourceDays"`
}

// ProfileSynthesizer is the externally-injected synthesis capability.
// No implementation lives in this repo: spec.md scopes profile synthesis
// out, describing it only by this I/O contract.
type ProfileSynthesizer interface {
	SynthesizeDay(userID, dayID string) (ProfileSynthesisResult, error)
	SynthesizeWeek(userID, weekID string, dayIDs []string) (ProfileSynthesisResult, error)
}

// DayHandler runs scribe_day_synthesis jobs. Synthesizer may be nil: Run
// then fails the job with a descriptive error rather than panicking, so
// a deployment that hasn't wired profile synthesis yet still drains its
// queue deterministically instead of crashing the worker.
type DayHandler struct {
	Synthesizer ProfileSynthesizer
}

func (h *DayHandler) Type() string { return DaySynthesisJobType }

func (h *DayHandler) Run(ctx *runtime.Context) error {
	var payload DaySynthesisPayload
	if err := decodePayload(ctx, &payload); err != nil {
		ctx.Fail("decode_payload", err)
		return err
	}
	if h.Synthesizer == nil {
		err := fmt.Errorf("no profile synthesizer configured")
		ctx.Fail("synthesize_day", err)
		return err
	}
	result, err := h.Synthesizer.SynthesizeDay(payload.UserID, payload.DayID)
	if err != nil {
		ctx.Fail("synthesize_day", err)
		return err
	}
	ctx.Succeed(result)
	return nil
}

// WeekHandler runs scribe_week_synthesis jobs, mirroring DayHandler.
type WeekHandler struct {
	Synthesizer ProfileSynthesizer
}

func (h *WeekHandler) Type() string { return WeekSynthesisJobType }

func (h *WeekHandler) Run(ctx *runtime.Context) error {
	var payload WeekSynthesisPayload
	if err := decodePayload(ctx, &payload); err != nil {
		ctx.Fail("decode_payload", err)
		return err
	}
	if h.Synthesizer == nil {
		err := fmt.Errorf("no profile synthesizer configured")
		ctx.Fail("synthesize_week", err)
		return err
	}
	result, err := h.Synthesizer.SynthesizeWeek(payload.UserID, payload.WeekID, payload.DayIDs)
	if err != nil {
		ctx.Fail("synthesize_week", err)
		return err
	}
	ctx.Succeed(result)
	return nil
}

func decodePayload(ctx *runtime.Context, out any) error {
	b, err := json.Marshal(ctx.Payload())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// EncodeDaySynthesisPayload marshals a DaySynthesisPayload for
// JobRunRepo.Enqueue.
func EncodeDaySynthesisPayload(userID, dayID string) (datatypes.JSON, error) {
	b, err := json.Marshal(DaySynthesisPayload{UserID: userID, DayID: dayID})
	return datatypes.JSON(b), err
}
