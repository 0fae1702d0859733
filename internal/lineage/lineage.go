// Package lineage tracks derivation edges between items (turns, memories,
// facts, chunks, blocks, summaries) and walks the resulting DAG for
// ancestors, descendants, and integrity violations.
package lineage

import (
	"context"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// Node is one edge's view for traversal results: the item plus the
// distance (in hops) from the walk's origin.
type Node struct {
	ItemID   string
	ItemType domainhmlr.ItemType
	Depth    int
}

// Tracker is the Lineage Tracker surface: recordLineage, getAncestors,
// getDescendants, validateIntegrity.
type Tracker interface {
	RecordLineage(ctx context.Context, itemID string, itemType domainhmlr.ItemType, derivedFrom []string, derivedBy string) error
	GetAncestors(ctx context.Context, itemID string, maxDepth int) ([]Node, error)
	GetDescendants(ctx context.Context, itemID string, maxDepth int) ([]Node, error)
	ValidateIntegrity(ctx context.Context) (domainhmlr.IntegrityReport, error)
}

type tracker struct {
	repo reposhmlr.LineageRepo
}

func NewTracker(repo reposhmlr.LineageRepo) Tracker {
	return &tracker{repo: repo}
}

// RecordLineage upserts the single edge row for itemID. An item carries at
// most one lineage record; re-recording overwrites it.
func (t *tracker) RecordLineage(ctx context.Context, itemID string, itemType domainhmlr.ItemType, derivedFrom []string, derivedBy string) error {
	edge := &domainhmlr.LineageEdge{
		ItemID:      itemID,
		ItemType:    itemType,
		DerivedFrom: derivedFrom,
		DerivedBy:   derivedBy,
	}
	return t.repo.Upsert(dbctx.Context{Ctx: ctx}, edge)
}

// GetAncestors performs BFS over derivedFrom, bounded by maxDepth (default
// MaxLineageDepth) and a visited set so a malformed cycle cannot loop
// forever.
func (t *tracker) GetAncestors(ctx context.Context, itemID string, maxDepth int) ([]Node, error) {
	if maxDepth <= 0 {
		maxDepth = domainhmlr.MaxLineageDepth
	}
	dbc := dbctx.Context{Ctx: ctx}

	visited := map[string]bool{itemID: true}
	frontier := []string{itemID}
	var out []Node

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		edges, err := t.repo.GetByItemIDs(dbc, frontier)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]domainhmlr.LineageEdge, len(edges))
		for _, e := range edges {
			byID[e.ItemID] = e
		}

		var next []string
		for _, id := range frontier {
			e, ok := byID[id]
			if !ok {
				continue
			}
			for _, parentID := range e.DerivedFrom {
				if visited[parentID] {
					continue
				}
				visited[parentID] = true
				next = append(next, parentID)
			}
		}
		if len(next) == 0 {
			break
		}
		parentEdges, err := t.repo.GetByItemIDs(dbc, next)
		if err != nil {
			return nil, err
		}
		parentType := make(map[string]domainhmlr.ItemType, len(parentEdges))
		for _, e := range parentEdges {
			parentType[e.ItemID] = e.ItemType
		}
		for _, id := range next {
			out = append(out, Node{ItemID: id, ItemType: parentType[id], Depth: depth})
		}
		frontier = next
	}
	return out, nil
}

// GetDescendants performs BFS over the inverse relation (items whose
// derivedFrom contains the frontier), bounded the same way as
// GetAncestors.
func (t *tracker) GetDescendants(ctx context.Context, itemID string, maxDepth int) ([]Node, error) {
	if maxDepth <= 0 {
		maxDepth = domainhmlr.MaxLineageDepth
	}
	dbc := dbctx.Context{Ctx: ctx}

	visited := map[string]bool{itemID: true}
	frontier := []string{itemID}
	var out []Node

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []Node
		for _, id := range frontier {
			children, err := t.repo.GetChildren(dbc, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if visited[c.ItemID] {
					continue
				}
				visited[c.ItemID] = true
				next = append(next, Node{ItemID: c.ItemID, ItemType: c.ItemType, Depth: depth})
			}
		}
		if len(next) == 0 {
			break
		}
		out = append(out, next...)
		frontier = make([]string, len(next))
		for i, n := range next {
			frontier[i] = n.ItemID
		}
	}
	return out, nil
}

// ValidateIntegrity scans every lineage row. orphaned: a row with no
// derivedFrom entries and no child pointing at it (nothing derived it,
// nothing derives from it — a dangling edge). brokenReferences: a
// derivedFrom id that never resolves to a row in the lineage table;
// acceptable when the id belongs to a collection that never records
// lineage (e.g. a raw upload), so callers must interpret the list rather
// than treat it as automatically fatal.
func (t *tracker) ValidateIntegrity(ctx context.Context) (domainhmlr.IntegrityReport, error) {
	dbc := dbctx.Context{Ctx: ctx}
	all, err := t.repo.All(dbc)
	if err != nil {
		return domainhmlr.IntegrityReport{}, err
	}

	known := make(map[string]bool, len(all))
	hasChild := make(map[string]bool, len(all))
	for _, e := range all {
		known[e.ItemID] = true
	}
	for _, e := range all {
		for _, parentID := range e.DerivedFrom {
			hasChild[parentID] = true
		}
	}

	var orphaned []string
	var broken []string
	brokenSeen := map[string]bool{}
	for _, e := range all {
		if len(e.DerivedFrom) == 0 && !hasChild[e.ItemID] {
			orphaned = append(orphaned, e.ItemID)
		}
		for _, parentID := range e.DerivedFrom {
			if !known[parentID] && !brokenSeen[parentID] {
				brokenSeen[parentID] = true
				broken = append(broken, parentID)
			}
		}
	}

	return domainhmlr.IntegrityReport{Orphaned: orphaned, BrokenReferences: broken}, nil
}
