package aggregates_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/timottowitz/hmlr/internal/data/aggregates"
	"github.com/timottowitz/hmlr/internal/data/aggregates/testutil"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// fakeBlockRepo is an in-memory stand-in for reposhmlr.BlockRepo, following
// the teacher's in-package fake pattern rather than a mocking framework.
type fakeBlockRepo struct {
	blocks map[uuid.UUID]*domainhmlr.BridgeBlock
}

func newFakeBlockRepo() *fakeBlockRepo {
	return &fakeBlockRepo{blocks: make(map[uuid.UUID]*domainhmlr.BridgeBlock)}
}

func (f *fakeBlockRepo) Create(_ dbctx.Context, b *domainhmlr.BridgeBlock) error {
	cp := *b
	f.blocks[b.ID] = &cp
	return nil
}

func (f *fakeBlockRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error) {
	if b, ok := f.blocks[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeBlockRepo) GetActiveByDay(_ dbctx.Context, dayID string) (*domainhmlr.BridgeBlock, error) {
	for _, b := range f.blocks {
		if b.DayID == dayID && b.Status == domainhmlr.BlockStatusActive {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeBlockRepo) LockByID(ctx dbctx.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeBlockRepo) DemoteActiveForDay(_ dbctx.Context, dayID string, now time.Time) (*uuid.UUID, error) {
	for _, b := range f.blocks {
		if b.DayID == dayID && b.Status == domainhmlr.BlockStatusActive {
			b.Status = domainhmlr.BlockStatusPaused
			b.UpdatedAt = now
			id := b.ID
			return &id, nil
		}
	}
	return nil, nil
}

func (f *fakeBlockRepo) UpdateStatus(_ dbctx.Context, id uuid.UUID, status domainhmlr.BlockStatus, now time.Time) error {
	if b, ok := f.blocks[id]; ok {
		b.Status = status
		b.UpdatedAt = now
	}
	return nil
}

func (f *fakeBlockRepo) AppendTurn(_ dbctx.Context, id uuid.UUID, now time.Time) error {
	if b, ok := f.blocks[id]; ok {
		b.TurnCount++
		b.UpdatedAt = now
	}
	return nil
}

func (f *fakeBlockRepo) UpdateMetadata(_ dbctx.Context, id uuid.UUID, keywords, openLoops, decisions []string, now time.Time) error {
	if b, ok := f.blocks[id]; ok {
		b.Keywords = marshalJSON(keywords)
		b.OpenLoops = marshalJSON(openLoops)
		b.DecisionsMade = marshalJSON(decisions)
		b.UpdatedAt = now
	}
	return nil
}

func (f *fakeBlockRepo) PauseWithSummary(_ dbctx.Context, id uuid.UUID, summary string, now time.Time) error {
	if b, ok := f.blocks[id]; ok {
		b.Status = domainhmlr.BlockStatusPaused
		b.Summary = summary
		b.UpdatedAt = now
	}
	return nil
}

func (f *fakeBlockRepo) MetadataByDay(_ dbctx.Context, dayID string, limit int) ([]domainhmlr.BlockMetadataProjection, error) {
	return nil, nil
}

func countActive(f *fakeBlockRepo, dayID string) int {
	n := 0
	for _, b := range f.blocks {
		if b.DayID == dayID && b.Status == domainhmlr.BlockStatusActive {
			n++
		}
	}
	return n
}

func TestBlockAggregateCreatePausesPriorActive(t *testing.T) {
	repo := newFakeBlockRepo()
	agg := aggregates.NewBlockAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)

	now := time.Now().UTC()
	first, err := agg.Create(context.Background(), domainagg.CreateBlockInput{DayID: "2026-07-31", TopicLabel: "first", Now: now})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := agg.Create(context.Background(), domainagg.CreateBlockInput{DayID: "2026-07-31", TopicLabel: "second", Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if second.PausedID == nil || *second.PausedID != first.BlockID {
		t.Fatalf("second create PausedID = %v, want %v", second.PausedID, first.BlockID)
	}
	if got := countActive(repo, "2026-07-31"); got != 1 {
		t.Fatalf("active block count = %d, want 1", got)
	}
}

func TestBlockAggregateUpdateStatusToActiveDemotesOthers(t *testing.T) {
	repo := newFakeBlockRepo()
	agg := aggregates.NewBlockAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	now := time.Now().UTC()

	a1, _ := agg.Create(context.Background(), domainagg.CreateBlockInput{DayID: "d1", Now: now})
	b := &domainhmlr.BridgeBlock{ID: uuid.New(), DayID: "d1", Status: domainhmlr.BlockStatusPaused, CreatedAt: now, UpdatedAt: now}
	repo.blocks[b.ID] = b

	if err := agg.UpdateStatus(context.Background(), domainagg.UpdateStatusInput{
		BlockID: b.ID, DayID: "d1", Status: string(domainhmlr.BlockStatusActive), Now: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if repo.blocks[a1.BlockID].Status != domainhmlr.BlockStatusPaused {
		t.Fatalf("original active block should have been demoted")
	}
	if repo.blocks[b.ID].Status != domainhmlr.BlockStatusActive {
		t.Fatalf("target block should now be active")
	}
	if got := countActive(repo, "d1"); got != 1 {
		t.Fatalf("active block count = %d, want 1", got)
	}
}

func TestBlockAggregateUpdateMetadataMergesBounded(t *testing.T) {
	repo := newFakeBlockRepo()
	agg := aggregates.NewBlockAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	now := time.Now().UTC()

	res, _ := agg.Create(context.Background(), domainagg.CreateBlockInput{DayID: "d1", Keywords: []string{"alpha"}, Now: now})
	err := agg.UpdateMetadata(context.Background(), domainagg.UpdateMetadataInput{
		BlockID:     res.BlockID,
		NewKeywords: []string{"alpha", "beta"},
		Now:         now,
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	kw := unmarshalJSON(repo.blocks[res.BlockID].Keywords)
	if len(kw) != 2 {
		t.Fatalf("keywords = %v, want 2 deduped entries", kw)
	}
}

func TestBlockAggregateAppendTurnIncrementsCount(t *testing.T) {
	repo := newFakeBlockRepo()
	agg := aggregates.NewBlockAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	now := time.Now().UTC()
	res, _ := agg.Create(context.Background(), domainagg.CreateBlockInput{DayID: "d1", Now: now})

	_ = agg.AppendTurn(context.Background(), domainagg.AppendTurnInput{BlockID: res.BlockID, Now: now})
	_ = agg.AppendTurn(context.Background(), domainagg.AppendTurnInput{BlockID: res.BlockID, Now: now})

	if repo.blocks[res.BlockID].TurnCount != 2 {
		t.Fatalf("TurnCount = %d, want 2", repo.blocks[res.BlockID].TurnCount)
	}
}

func TestHeuristicSummarySingleTurn(t *testing.T) {
	got := aggregates.HeuristicSummary("hello there", "", 1)
	want := `1 exchange: "hello there"`
	if got != want {
		t.Fatalf("HeuristicSummary() = %q, want %q", got, want)
	}
}

func TestHeuristicSummaryMultiTurn(t *testing.T) {
	got := aggregates.HeuristicSummary("first message", "last message", 3)
	want := `3 exchanges. Started with: "first message" Ended with: "last message"`
	if got != want {
		t.Fatalf("HeuristicSummary() = %q, want %q", got, want)
	}
}

func marshalJSON(ss []string) datatypes.JSON {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return datatypes.JSON(b)
}

func unmarshalJSON(raw datatypes.JSON) []string {
	var out []string
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
