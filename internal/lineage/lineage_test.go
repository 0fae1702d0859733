package lineage_test

import (
	"context"
	"sort"
	"testing"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/lineage"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

type fakeLineageRepo struct {
	rows map[string]domainhmlr.LineageEdge
}

func newFakeLineageRepo() *fakeLineageRepo {
	return &fakeLineageRepo{rows: map[string]domainhmlr.LineageEdge{}}
}

func (f *fakeLineageRepo) Upsert(_ dbctx.Context, edge *domainhmlr.LineageEdge) error {
	f.rows[edge.ItemID] = *edge
	return nil
}

func (f *fakeLineageRepo) GetByItemID(_ dbctx.Context, itemID string) (*domainhmlr.LineageEdge, error) {
	if e, ok := f.rows[itemID]; ok {
		return &e, nil
	}
	return nil, nil
}

func (f *fakeLineageRepo) GetByItemIDs(_ dbctx.Context, itemIDs []string) ([]domainhmlr.LineageEdge, error) {
	var out []domainhmlr.LineageEdge
	for _, id := range itemIDs {
		if e, ok := f.rows[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLineageRepo) GetChildren(_ dbctx.Context, parentID string) ([]domainhmlr.LineageEdge, error) {
	var out []domainhmlr.LineageEdge
	for _, e := range f.rows {
		for _, p := range e.DerivedFrom {
			if p == parentID {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeLineageRepo) All(_ dbctx.Context) ([]domainhmlr.LineageEdge, error) {
	var out []domainhmlr.LineageEdge
	for _, e := range f.rows {
		out = append(out, e)
	}
	return out, nil
}

var _ reposhmlr.LineageRepo = (*fakeLineageRepo)(nil)

func idsOf(nodes []lineage.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ItemID
	}
	sort.Strings(ids)
	return ids
}

func TestRecordLineageUpserts(t *testing.T) {
	repo := newFakeLineageRepo()
	tr := lineage.NewTracker(repo)

	if err := tr.RecordLineage(context.Background(), "turn-1", domainhmlr.ItemTypeTurn, []string{"block-1"}, "chat.sendMessage"); err != nil {
		t.Fatalf("RecordLineage: %v", err)
	}
	got, err := repo.GetByItemID(dbctx.Context{Ctx: context.Background()}, "turn-1")
	if err != nil || got == nil {
		t.Fatalf("expected row to exist, err=%v", err)
	}
	if got.DerivedBy != "chat.sendMessage" || len(got.DerivedFrom) != 1 || got.DerivedFrom[0] != "block-1" {
		t.Fatalf("got %+v, want recorded edge", got)
	}
}

// Chain: block-1 -> turn-1 -> mem-1 -> fact-1
func buildChain(t *testing.T, repo *fakeLineageRepo) {
	t.Helper()
	ctx := context.Background()
	tr := lineage.NewTracker(repo)
	if err := tr.RecordLineage(ctx, "turn-1", domainhmlr.ItemTypeTurn, []string{"block-1"}, "chat.sendMessage"); err != nil {
		t.Fatalf("record turn-1: %v", err)
	}
	if err := tr.RecordLineage(ctx, "mem-1", domainhmlr.ItemTypeMemory, []string{"turn-1"}, "chat.sendMessage"); err != nil {
		t.Fatalf("record mem-1: %v", err)
	}
	if err := tr.RecordLineage(ctx, "fact-1", domainhmlr.ItemTypeFact, []string{"turn-1", "block-1"}, "fact_scrubber_v1"); err != nil {
		t.Fatalf("record fact-1: %v", err)
	}
}

func TestGetAncestorsWalksDerivedFrom(t *testing.T) {
	repo := newFakeLineageRepo()
	buildChain(t, repo)
	tr := lineage.NewTracker(repo)

	ancestors, err := tr.GetAncestors(context.Background(), "mem-1", 10)
	if err != nil {
		t.Fatalf("GetAncestors: %v", err)
	}
	got := idsOf(ancestors)
	want := []string{"block-1", "turn-1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetDescendantsWalksChildren(t *testing.T) {
	repo := newFakeLineageRepo()
	buildChain(t, repo)
	tr := lineage.NewTracker(repo)

	descendants, err := tr.GetDescendants(context.Background(), "turn-1", 10)
	if err != nil {
		t.Fatalf("GetDescendants: %v", err)
	}
	got := idsOf(descendants)
	want := []string{"fact-1", "mem-1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetDescendantsThenAncestorsNeverRediscoversOrigin(t *testing.T) {
	repo := newFakeLineageRepo()
	buildChain(t, repo)
	tr := lineage.NewTracker(repo)
	ctx := context.Background()

	descendants, err := tr.GetDescendants(ctx, "turn-1", 10)
	if err != nil {
		t.Fatalf("GetDescendants: %v", err)
	}
	for _, d := range descendants {
		back, err := tr.GetAncestors(ctx, d.ItemID, 10)
		if err != nil {
			t.Fatalf("GetAncestors(%s): %v", d.ItemID, err)
		}
		for _, a := range back {
			if a.ItemID == d.ItemID {
				t.Fatalf("descendant %s rediscovered itself as its own ancestor", d.ItemID)
			}
		}
	}
}

func TestGetAncestorsRespectsMaxDepth(t *testing.T) {
	repo := newFakeLineageRepo()
	buildChain(t, repo)
	tr := lineage.NewTracker(repo)

	// mem-1 -> turn-1 is depth 1; turn-1 -> block-1 is depth 2. A maxDepth
	// of 1 should surface only turn-1.
	ancestors, err := tr.GetAncestors(context.Background(), "mem-1", 1)
	if err != nil {
		t.Fatalf("GetAncestors: %v", err)
	}
	if len(ancestors) != 1 || ancestors[0].ItemID != "turn-1" {
		t.Fatalf("got %v, want only turn-1 at depth 1", ancestors)
	}
}

func TestValidateIntegrityFindsOrphanedAndBroken(t *testing.T) {
	repo := newFakeLineageRepo()
	ctx := context.Background()
	tr := lineage.NewTracker(repo)

	// orphaned: no derivedFrom, nothing derives from it.
	if err := tr.RecordLineage(ctx, "lone-chunk", domainhmlr.ItemTypeChunk, nil, "chunk_engine_v1"); err != nil {
		t.Fatalf("record lone-chunk: %v", err)
	}
	// brokenReferences: derives from an id with no lineage row of its own.
	if err := tr.RecordLineage(ctx, "fact-2", domainhmlr.ItemTypeFact, []string{"missing-turn"}, "fact_scrubber_v1"); err != nil {
		t.Fatalf("record fact-2: %v", err)
	}

	report, err := tr.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("ValidateIntegrity: %v", err)
	}
	if len(report.Orphaned) != 1 || report.Orphaned[0] != "lone-chunk" {
		t.Fatalf("got orphaned=%v, want [lone-chunk]", report.Orphaned)
	}
	if len(report.BrokenReferences) != 1 || report.BrokenReferences[0] != "missing-turn" {
		t.Fatalf("got broken=%v, want [missing-turn]", report.BrokenReferences)
	}
}
