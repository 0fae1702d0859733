package hmlr

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// LineageRepo is the storage surface behind the Lineage Tracker:
// recordLineage upserts one edge per item, getAncestors/getDescendants
// walk the DAG a level at a time, and validateIntegrity scans the whole
// table.
type LineageRepo interface {
	Upsert(dbc dbctx.Context, edge *domainhmlr.LineageEdge) error
	GetByItemID(dbc dbctx.Context, itemID string) (*domainhmlr.LineageEdge, error)
	GetByItemIDs(dbc dbctx.Context, itemIDs []string) ([]domainhmlr.LineageEdge, error)
	GetChildren(dbc dbctx.Context, parentID string) ([]domainhmlr.LineageEdge, error)
	All(dbc dbctx.Context) ([]domainhmlr.LineageEdge, error)
}

type lineageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLineageRepo(db *gorm.DB, log *logger.Logger) LineageRepo {
	return &lineageRepo{db: db, log: log.With("repo", "LineageRepo")}
}

func (r *lineageRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

// Upsert records or replaces the single edge row for an item. An item
// derives from at most one lineage record; re-recording (e.g. a chunk
// reparented under a new block) overwrites derivedFrom/derivedBy in place.
func (r *lineageRepo) Upsert(dbc dbctx.Context, edge *domainhmlr.LineageEdge) error {
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	return r.tx(dbc).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_type", "derived_from", "derived_by"}),
	}).Create(edge).Error
}

func (r *lineageRepo) GetByItemID(dbc dbctx.Context, itemID string) (*domainhmlr.LineageEdge, error) {
	var e domainhmlr.LineageEdge
	if err := r.tx(dbc).Where("item_id = ?", itemID).First(&e).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *lineageRepo) GetByItemIDs(dbc dbctx.Context, itemIDs []string) ([]domainhmlr.LineageEdge, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	var rows []domainhmlr.LineageEdge
	if err := r.tx(dbc).Where("item_id IN ?", itemIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetChildren returns every edge whose derivedFrom contains parentID, the
// getDescendants contract's one-level expansion. Postgres's jsonb
// containment operator does the filtering; gorm's json serializer stores
// derived_from as a json column so the cast is explicit.
func (r *lineageRepo) GetChildren(dbc dbctx.Context, parentID string) ([]domainhmlr.LineageEdge, error) {
	var rows []domainhmlr.LineageEdge
	err := r.tx(dbc).Raw(`
		SELECT * FROM hmlr_lineage_edges
		WHERE derived_from::jsonb @> to_jsonb(@parentID::text)
	`, map[string]any{"parentID": parentID}).Scan(&rows).Error
	return rows, err
}

func (r *lineageRepo) All(dbc dbctx.Context) ([]domainhmlr.LineageEdge, error) {
	var rows []domainhmlr.LineageEdge
	if err := r.tx(dbc).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
