package factstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/timottowitz/hmlr/internal/data/aggregates"
	"github.com/timottowitz/hmlr/internal/data/aggregates/testutil"
	"github.com/timottowitz/hmlr/internal/factstore"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

type fakeRepo struct {
	byID map[uuid.UUID]*domainhmlr.Fact
}

func newFakeRepo() *fakeRepo { return &fakeRepo{byID: make(map[uuid.UUID]*domainhmlr.Fact)} }

func (f *fakeRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domainhmlr.Fact, error) {
	if v, ok := f.byID[id]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeRepo) HeadByKey(_ dbctx.Context, key string) (*domainhmlr.Fact, error) {
	for _, v := range f.byID {
		if v.Key == key && v.SupersededBy == nil {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) LockHeadByKey(ctx dbctx.Context, key string) (*domainhmlr.Fact, error) {
	return f.HeadByKey(ctx, key)
}

func (f *fakeRepo) Insert(_ dbctx.Context, fact *domainhmlr.Fact) error {
	cp := *fact
	f.byID[fact.ID] = &cp
	return nil
}

func (f *fakeRepo) Supersede(_ dbctx.Context, id, supersededBy uuid.UUID) error {
	if v, ok := f.byID[id]; ok {
		sb := supersededBy
		v.SupersededBy = &sb
	}
	return nil
}

func (f *fakeRepo) GetByBlock(_ dbctx.Context, blockID uuid.UUID, headsOnly bool) ([]domainhmlr.Fact, error) {
	var out []domainhmlr.Fact
	for _, v := range f.byID {
		if v.BlockID != blockID || (headsOnly && v.SupersededBy != nil) {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (f *fakeRepo) GetByCategory(_ dbctx.Context, category domainhmlr.FactCategory, headsOnly bool) ([]domainhmlr.Fact, error) {
	var out []domainhmlr.Fact
	for _, v := range f.byID {
		if v.Category == nil || *v.Category != category || (headsOnly && v.SupersededBy != nil) {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (f *fakeRepo) SearchByKeyPrefix(_ dbctx.Context, prefix string, headsOnly bool) ([]domainhmlr.Fact, error) {
	var out []domainhmlr.Fact
	for _, v := range f.byID {
		if len(v.Key) < len(prefix) || v.Key[:len(prefix)] != prefix || (headsOnly && v.SupersededBy != nil) {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (f *fakeRepo) UpdateBlockID(_ dbctx.Context, factID, newBlockID uuid.UUID) error {
	if v, ok := f.byID[factID]; ok {
		v.BlockID = newBlockID
	}
	return nil
}

func (f *fakeRepo) UpdateBlockIDByTurn(_ dbctx.Context, turnID string, newBlockID uuid.UUID) error {
	for _, v := range f.byID {
		if v.TurnID != nil && *v.TurnID == turnID {
			v.BlockID = newBlockID
		}
	}
	return nil
}

func TestStoreThenGetReturnsHead(t *testing.T) {
	repo := newFakeRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	fs := factstore.New(repo, agg)

	blockID := uuid.New()
	res, err := fs.Store(context.Background(), factstore.StoreInput{Key: "k", Value: "v1", BlockID: blockID})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := fs.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.ID != res.FactID {
		t.Fatalf("Get returned %v, want head %v", got, res.FactID)
	}
}

func TestRemoveOnCurrentHeadTombstones(t *testing.T) {
	repo := newFakeRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	fs := factstore.New(repo, agg)

	res, _ := fs.Store(context.Background(), factstore.StoreInput{Key: "k", Value: "v1", BlockID: uuid.New()})

	removedID, err := fs.Remove(context.Background(), res.FactID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removedID == nil {
		t.Fatalf("Remove should produce a tombstone id")
	}
	tombstone := repo.byID[*removedID]
	if tombstone.Value != domainhmlr.FactDeletedValue {
		t.Fatalf("tombstone value = %q, want %q", tombstone.Value, domainhmlr.FactDeletedValue)
	}
}

func TestRemoveOnAlreadySupersededIsNoop(t *testing.T) {
	repo := newFakeRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	fs := factstore.New(repo, agg)

	first, _ := fs.Store(context.Background(), factstore.StoreInput{Key: "k", Value: "v1", BlockID: uuid.New()})
	_, _ = fs.Store(context.Background(), factstore.StoreInput{Key: "k", Value: "v2", BlockID: uuid.New()})

	removedID, err := fs.Remove(context.Background(), first.FactID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removedID != nil {
		t.Fatalf("Remove on a non-head fact should be a no-op, got %v", removedID)
	}
}

func TestUpdateBlockIDPatchesAllFactsForTurn(t *testing.T) {
	repo := newFakeRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	fs := factstore.New(repo, agg)

	turnID := "turn_1"
	f1 := &domainhmlr.Fact{ID: uuid.New(), Key: "a", TurnID: &turnID, BlockID: uuid.New(), CreatedAt: time.Now()}
	f2 := &domainhmlr.Fact{ID: uuid.New(), Key: "b", TurnID: &turnID, BlockID: uuid.New(), CreatedAt: time.Now()}
	repo.byID[f1.ID] = f1
	repo.byID[f2.ID] = f2

	newBlock := uuid.New()
	if err := fs.UpdateBlockID(context.Background(), turnID, newBlock); err != nil {
		t.Fatalf("UpdateBlockID: %v", err)
	}
	if repo.byID[f1.ID].BlockID != newBlock || repo.byID[f2.ID].BlockID != newBlock {
		t.Fatalf("both facts should be repointed to the new block")
	}
}
