package aggregates_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/timottowitz/hmlr/internal/data/aggregates"
	"github.com/timottowitz/hmlr/internal/data/aggregates/testutil"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// fakeFactRepo is an in-memory stand-in for reposhmlr.FactRepo.
type fakeFactRepo struct {
	byID map[uuid.UUID]*domainhmlr.Fact
}

func newFakeFactRepo() *fakeFactRepo {
	return &fakeFactRepo{byID: make(map[uuid.UUID]*domainhmlr.Fact)}
}

func (f *fakeFactRepo) head(key string) *domainhmlr.Fact {
	for _, fact := range f.byID {
		if fact.Key == key && fact.SupersededBy == nil {
			return fact
		}
	}
	return nil
}

func (f *fakeFactRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domainhmlr.Fact, error) {
	if fact, ok := f.byID[id]; ok {
		cp := *fact
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeFactRepo) HeadByKey(_ dbctx.Context, key string) (*domainhmlr.Fact, error) {
	if h := f.head(key); h != nil {
		cp := *h
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeFactRepo) LockHeadByKey(ctx dbctx.Context, key string) (*domainhmlr.Fact, error) {
	return f.HeadByKey(ctx, key)
}

func (f *fakeFactRepo) Insert(_ dbctx.Context, fact *domainhmlr.Fact) error {
	cp := *fact
	f.byID[fact.ID] = &cp
	return nil
}

func (f *fakeFactRepo) Supersede(_ dbctx.Context, id, supersededBy uuid.UUID) error {
	if fact, ok := f.byID[id]; ok {
		sb := supersededBy
		fact.SupersededBy = &sb
	}
	return nil
}

func (f *fakeFactRepo) GetByBlock(_ dbctx.Context, blockID uuid.UUID, headsOnly bool) ([]domainhmlr.Fact, error) {
	var out []domainhmlr.Fact
	for _, fact := range f.byID {
		if fact.BlockID != blockID {
			continue
		}
		if headsOnly && fact.SupersededBy != nil {
			continue
		}
		out = append(out, *fact)
	}
	return out, nil
}

func (f *fakeFactRepo) GetByCategory(_ dbctx.Context, category domainhmlr.FactCategory, headsOnly bool) ([]domainhmlr.Fact, error) {
	var out []domainhmlr.Fact
	for _, fact := range f.byID {
		if fact.Category == nil || *fact.Category != category {
			continue
		}
		if headsOnly && fact.SupersededBy != nil {
			continue
		}
		out = append(out, *fact)
	}
	return out, nil
}

func (f *fakeFactRepo) SearchByKeyPrefix(_ dbctx.Context, prefix string, headsOnly bool) ([]domainhmlr.Fact, error) {
	var out []domainhmlr.Fact
	for _, fact := range f.byID {
		if len(fact.Key) < len(prefix) || fact.Key[:len(prefix)] != prefix {
			continue
		}
		if headsOnly && fact.SupersededBy != nil {
			continue
		}
		out = append(out, *fact)
	}
	return out, nil
}

func (f *fakeFactRepo) UpdateBlockID(_ dbctx.Context, factID, newBlockID uuid.UUID) error {
	if fact, ok := f.byID[factID]; ok {
		fact.BlockID = newBlockID
	}
	return nil
}

func (f *fakeFactRepo) UpdateBlockIDByTurn(_ dbctx.Context, turnID string, newBlockID uuid.UUID) error {
	for _, fact := range f.byID {
		if fact.TurnID != nil && *fact.TurnID == turnID {
			fact.BlockID = newBlockID
		}
	}
	return nil
}

func TestFactAggregateStoreSupersedesPriorHead(t *testing.T) {
	repo := newFakeFactRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	blockID := uuid.New()
	now := time.Now().UTC()

	first, err := agg.Store(context.Background(), domainagg.StoreFactInput{
		Key: "user.name", Value: "Ada", BlockID: blockID, Now: now,
	})
	if err != nil {
		t.Fatalf("first store: %v", err)
	}
	if first.SupersededID != nil {
		t.Fatalf("first store should not supersede anything, got %v", first.SupersededID)
	}

	second, err := agg.Store(context.Background(), domainagg.StoreFactInput{
		Key: "user.name", Value: "Ada Lovelace", BlockID: blockID, Now: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if second.SupersededID == nil || *second.SupersededID != first.FactID {
		t.Fatalf("second store SupersededID = %v, want %v", second.SupersededID, first.FactID)
	}

	head, _ := repo.HeadByKey(dbctx.Context{}, "user.name")
	if head == nil || head.ID != second.FactID {
		t.Fatalf("chain head should be the second write")
	}
}

func TestFactAggregateStoreBatchChainsWithinSameKey(t *testing.T) {
	repo := newFakeFactRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	blockID := uuid.New()
	now := time.Now().UTC()

	results, err := agg.StoreBatch(context.Background(), []domainagg.StoreFactInput{
		{Key: "a", Value: "1", BlockID: blockID, Now: now},
		{Key: "a", Value: "2", BlockID: blockID, Now: now.Add(time.Second)},
		{Key: "b", Value: "x", BlockID: blockID, Now: now},
	})
	if err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[1].SupersededID == nil || *results[1].SupersededID != results[0].FactID {
		t.Fatalf("second 'a' write should supersede the first")
	}
	if results[2].SupersededID != nil {
		t.Fatalf("'b' write should not supersede anything, got %v", results[2].SupersededID)
	}
}

func TestFactAggregateRemoveWritesTombstoneSuccessor(t *testing.T) {
	repo := newFakeFactRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)
	blockID := uuid.New()
	now := time.Now().UTC()

	stored, _ := agg.Store(context.Background(), domainagg.StoreFactInput{
		Key: "k", Value: "v", BlockID: blockID, Now: now,
	})

	removedID, err := agg.Remove(context.Background(), domainagg.RemoveFactInput{Key: "k", BlockID: blockID, Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removedID == nil {
		t.Fatalf("Remove should return a successor id")
	}

	original := repo.byID[stored.FactID]
	if original.SupersededBy == nil || *original.SupersededBy != *removedID {
		t.Fatalf("original row should be superseded by the tombstone row")
	}
	successor := repo.byID[*removedID]
	if successor.Value != domainhmlr.FactDeletedValue {
		t.Fatalf("successor value = %q, want %q", successor.Value, domainhmlr.FactDeletedValue)
	}
}

func TestFactAggregateRemoveOnAbsentKeyIsNoop(t *testing.T) {
	repo := newFakeFactRepo()
	agg := aggregates.NewFactAggregate(aggregates.BaseDeps{Runner: &testutil.InjectedTxRunner{}}, repo)

	removedID, err := agg.Remove(context.Background(), domainagg.RemoveFactInput{Key: "missing", BlockID: uuid.New(), Now: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removedID != nil {
		t.Fatalf("Remove on absent key should be a no-op, got %v", removedID)
	}
}
