package aggregates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// blockAggregate is the concrete BlockAggregate: every write that can
// affect the single-ACTIVE-block invariant runs inside one
// aggregate-owned transaction, per domainagg.BlockContract.
type blockAggregate struct {
	deps  BaseDeps
	repo  reposhmlr.BlockRepo
}

// NewBlockAggregate wires a BlockAggregate over the given BlockRepo.
func NewBlockAggregate(deps BaseDeps, repo reposhmlr.BlockRepo) domainagg.BlockAggregate {
	return &blockAggregate{deps: deps.withDefaults(), repo: repo}
}

func (a *blockAggregate) Contract() domainagg.Contract { return domainagg.BlockContract }

func (a *blockAggregate) Create(ctx context.Context, in domainagg.CreateBlockInput) (domainagg.CreateBlockResult, error) {
	if strings.TrimSpace(in.DayID) == "" {
		return domainagg.CreateBlockResult{}, domainagg.NewError(domainagg.CodeValidation, "block.create", "dayId is required", nil)
	}
	var result domainagg.CreateBlockResult
	err := executeWrite(ctx, a.deps, "block.create", func(dbc dbctx.Context) error {
		pausedID, err := a.repo.DemoteActiveForDay(dbc, in.DayID, in.Now)
		if err != nil {
			return err
		}
		kwJSON := marshalStrings(in.Keywords)
		b := &domainhmlr.BridgeBlock{
			ID:            uuid.New(),
			DayID:         in.DayID,
			TopicLabel:    in.TopicLabel,
			Keywords:      kwJSON,
			Status:        domainhmlr.BlockStatusActive,
			PrevBlockID:   in.PrevBlockID,
			OpenLoops:     marshalStrings(nil),
			DecisionsMade: marshalStrings(nil),
			TurnCount:     0,
			CreatedAt:     in.Now,
			UpdatedAt:     in.Now,
		}
		if err := a.repo.Create(dbc, b); err != nil {
			return err
		}
		result = domainagg.CreateBlockResult{BlockID: b.ID, PausedID: pausedID}
		return nil
	})
	return result, err
}

func (a *blockAggregate) UpdateStatus(ctx context.Context, in domainagg.UpdateStatusInput) error {
	return executeWrite(ctx, a.deps, "block.updateStatus", func(dbc dbctx.Context) error {
		if domainhmlr.BlockStatus(in.Status) == domainhmlr.BlockStatusActive {
			if _, err := a.repo.DemoteActiveForDay(dbc, in.DayID, in.Now); err != nil {
				return err
			}
		}
		return a.repo.UpdateStatus(dbc, in.BlockID, domainhmlr.BlockStatus(in.Status), in.Now)
	})
}

func (a *blockAggregate) AppendTurn(ctx context.Context, in domainagg.AppendTurnInput) error {
	return executeWrite(ctx, a.deps, "block.appendTurn", func(dbc dbctx.Context) error {
		return a.repo.AppendTurn(dbc, in.BlockID, in.Now)
	})
}

func (a *blockAggregate) UpdateMetadata(ctx context.Context, in domainagg.UpdateMetadataInput) error {
	return executeWrite(ctx, a.deps, "block.updateMetadata", func(dbc dbctx.Context) error {
		b, err := a.repo.LockByID(dbc, in.BlockID)
		if err != nil {
			return err
		}
		if b == nil {
			return domainagg.NewError(domainagg.CodeNotFound, "block.updateMetadata", "block not found", nil)
		}
		existingKW := unmarshalStrings(b.Keywords)
		existingLoops := unmarshalStrings(b.OpenLoops)
		existingDec := unmarshalStrings(b.DecisionsMade)

		kw := domainagg.MergeBounded(existingKW, in.NewKeywords, domainhmlr.MaxBlockKeywords)
		loops := domainagg.MergeBounded(existingLoops, in.NewOpenLoops, domainhmlr.MaxOpenLoops)
		dec := domainagg.MergeBounded(existingDec, in.NewDecisions, domainhmlr.MaxDecisionsMade)
		return a.repo.UpdateMetadata(dbc, in.BlockID, kw, loops, dec, in.Now)
	})
}

func (a *blockAggregate) PauseWithSummary(ctx context.Context, in domainagg.PauseWithSummaryInput) error {
	return executeWrite(ctx, a.deps, "block.pauseWithSummary", func(dbc dbctx.Context) error {
		return a.repo.PauseWithSummary(dbc, in.BlockID, in.Summary, in.Now)
	})
}

func marshalStrings(ss []string) datatypes.JSON {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return datatypes.JSON(b)
}

func unmarshalStrings(raw datatypes.JSON) []string {
	var out []string
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// HeuristicSummary builds the fallback single-/multi-turn summary
// described in spec.md §4.3's pauseWithSummary: "N exchanges. Started
// with: ... Ended with: ..." collapsed to a single quote for one turn.
func HeuristicSummary(firstUserMessage, lastUserMessage string, turnCount int) string {
	trunc := func(s string, n int) string {
		s = strings.TrimSpace(s)
		if len(s) <= n {
			return s
		}
		return s[:n]
	}
	if turnCount <= 1 {
		return fmt.Sprintf("1 exchange: %q", trunc(firstUserMessage, 100))
	}
	return fmt.Sprintf("%d exchanges. Started with: %q Ended with: %q",
		turnCount, trunc(firstUserMessage, 50), trunc(lastUserMessage, 50))
}
