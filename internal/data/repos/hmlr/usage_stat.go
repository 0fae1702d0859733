package hmlr

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

type UsageStatRepo interface {
	Bump(dbc dbctx.Context, itemID string, itemType domainhmlr.ItemType, topics []string, now time.Time) error
	Get(dbc dbctx.Context, itemID string, itemType domainhmlr.ItemType) (*domainhmlr.UsageStat, error)
}

type usageStatRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUsageStatRepo(db *gorm.DB, log *logger.Logger) UsageStatRepo {
	return &usageStatRepo{db: db, log: log.With("repo", "UsageStatRepo")}
}

func (r *usageStatRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

// Bump upserts a usage-stat row: first use sets FirstUsed/LastUsed and a
// count of 1; every subsequent call increments the count and advances
// LastUsed. Topics are stored on first use only; later calls leave them
// unchanged.
func (r *usageStatRepo) Bump(dbc dbctx.Context, itemID string, itemType domainhmlr.ItemType, topics []string, now time.Time) error {
	row := domainhmlr.UsageStat{
		ItemID:     itemID,
		ItemType:   itemType,
		UsageCount: 1,
		FirstUsed:  now,
		LastUsed:   now,
		Topics:     topics,
	}
	return r.tx(dbc).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_id"}, {Name: "item_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"usage_count": gorm.Expr("hmlr_usage_stats.usage_count + 1"),
			"last_used":   now,
		}),
	}).Create(&row).Error
}

func (r *usageStatRepo) Get(dbc dbctx.Context, itemID string, itemType domainhmlr.ItemType) (*domainhmlr.UsageStat, error) {
	var s domainhmlr.UsageStat
	err := r.tx(dbc).Where("item_id = ? AND item_type = ?", itemID, itemType).First(&s).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}
