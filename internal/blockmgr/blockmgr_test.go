package blockmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/timottowitz/hmlr/internal/blockmgr"
	"github.com/timottowitz/hmlr/internal/data/aggregates"
	"github.com/timottowitz/hmlr/internal/data/aggregates/testutil"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

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

type fakeTurnRepo struct {
	byBlock map[uuid.UUID][]domainhmlr.Turn
}

func newFakeTurnRepo() *fakeTurnRepo { return &fakeTurnRepo{byBlock: make(map[uuid.UUID][]domainhmlr.Turn)} }

func (f *fakeTurnRepo) Create(_ dbctx.Context, t *domainhmlr.Turn) error {
	f.byBlock[t.BlockID] = append(f.byBlock[t.BlockID], *t)
	return nil
}
func (f *fakeTurnRepo) GetByID(_ dbctx.Context, id string) (*domainhmlr.Turn, error) { return nil, nil }
func (f *fakeTurnRepo) ListByBlock(_ dbctx.Context, blockID uuid.UUID, limit int) ([]domainhmlr.Turn, error) {
	return f.byBlock[blockID], nil
}
func (f *fakeTurnRepo) ListRecentByBlock(_ dbctx.Context, blockID uuid.UUID, limit int) ([]domainhmlr.Turn, error) {
	return f.byBlock[blockID], nil
}
func (f *fakeTurnRepo) CountByBlock(_ dbctx.Context, blockID uuid.UUID) (int64, error) {
	return int64(len(f.byBlock[blockID])), nil
}
func (f *fakeTurnRepo) OldestByBlock(_ dbctx.Context, blockID uuid.UUID, n int) ([]domainhmlr.Turn, error) {
	return f.byBlock[blockID], nil
}
func (f *fakeTurnRepo) DeleteByIDs(_ dbctx.Context, ids []string) error { return nil }

func newTestManager(t *testing.T) (blockmgr.Manager, *fakeBlockRepo, *fakeTurnRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	blocks := newFakeBlockRepo()
	turns := newFakeTurnRepo()
	agg := aggregates.NewBlockAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, blocks)
	return blockmgr.New(blocks, turns, agg, nil, log), blocks, turns
}

func TestPauseWithSummaryFallsBackToHeuristicWhenEmpty(t *testing.T) {
	mgr, blocks, turns := newTestManager(t)
	now := time.Now().UTC()

	res, err := mgr.Create(context.Background(), domainagg.CreateBlockInput{DayID: "d1", Now: now})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	turns.byBlock[res.BlockID] = []domainhmlr.Turn{
		{ID: "t1", BlockID: res.BlockID, UserMessage: "hello", Timestamp: now},
	}

	if err := mgr.PauseWithSummary(context.Background(), res.BlockID, "", now); err != nil {
		t.Fatalf("PauseWithSummary: %v", err)
	}
	if got := blocks.blocks[res.BlockID].Summary; got != `1 exchange: "hello"` {
		t.Fatalf("Summary = %q, want heuristic fallback", got)
	}
}

func TestSynthesizeBlockWithLLMFallsBackWithoutClient(t *testing.T) {
	mgr, _, turns := newTestManager(t)
	now := time.Now().UTC()

	res, _ := mgr.Create(context.Background(), domainagg.CreateBlockInput{DayID: "d1", Now: now})
	turns.byBlock[res.BlockID] = []domainhmlr.Turn{
		{ID: "t1", BlockID: res.BlockID, UserMessage: "first", Keywords: []string{"alpha"}, Timestamp: now},
		{ID: "t2", BlockID: res.BlockID, UserMessage: "second", Keywords: []string{"beta"}, Timestamp: now},
	}

	meta, err := mgr.SynthesizeBlockWithLLM(context.Background(), res.BlockID)
	if err != nil {
		t.Fatalf("SynthesizeBlockWithLLM: %v", err)
	}
	if len(meta.Keywords) != 2 {
		t.Fatalf("Keywords = %v, want 2 deduped entries from turns", meta.Keywords)
	}
}
