package hmlr

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

type TurnRepo interface {
	Create(dbc dbctx.Context, t *domainhmlr.Turn) error
	GetByID(dbc dbctx.Context, id string) (*domainhmlr.Turn, error)
	ListByBlock(dbc dbctx.Context, blockID uuid.UUID, limit int) ([]domainhmlr.Turn, error)
	ListRecentByBlock(dbc dbctx.Context, blockID uuid.UUID, limit int) ([]domainhmlr.Turn, error)
	CountByBlock(dbc dbctx.Context, blockID uuid.UUID) (int64, error)
	OldestByBlock(dbc dbctx.Context, blockID uuid.UUID, n int) ([]domainhmlr.Turn, error)
	DeleteByIDs(dbc dbctx.Context, ids []string) error
}

type turnRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTurnRepo(db *gorm.DB, log *logger.Logger) TurnRepo {
	return &turnRepo{db: db, log: log.With("repo", "TurnRepo")}
}

func (r *turnRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *turnRepo) Create(dbc dbctx.Context, t *domainhmlr.Turn) error {
	return r.tx(dbc).Create(t).Error
}

func (r *turnRepo) GetByID(dbc dbctx.Context, id string) (*domainhmlr.Turn, error) {
	var t domainhmlr.Turn
	if err := r.tx(dbc).Where("id = ?", id).First(&t).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListByBlock returns a block's turns oldest-first, the order the
// Hydrator needs before it reverses the last N for prompt assembly.
func (r *turnRepo) ListByBlock(dbc dbctx.Context, blockID uuid.UUID, limit int) ([]domainhmlr.Turn, error) {
	var rows []domainhmlr.Turn
	q := r.tx(dbc).Where("block_id = ?", blockID).Order("timestamp ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRecentByBlock returns the newest `limit` turns, newest-first —
// ties broken by id descending for determinism, per spec.md's ordering
// rule for retrieval results.
func (r *turnRepo) ListRecentByBlock(dbc dbctx.Context, blockID uuid.UUID, limit int) ([]domainhmlr.Turn, error) {
	var rows []domainhmlr.Turn
	q := r.tx(dbc).Where("block_id = ?", blockID).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *turnRepo) CountByBlock(dbc dbctx.Context, blockID uuid.UUID) (int64, error) {
	var n int64
	err := r.tx(dbc).Model(&domainhmlr.Turn{}).Where("block_id = ?", blockID).Count(&n).Error
	return n, err
}

// OldestByBlock returns the n oldest turns, the eviction candidate set
// for space-based FIFO eviction.
func (r *turnRepo) OldestByBlock(dbc dbctx.Context, blockID uuid.UUID, n int) ([]domainhmlr.Turn, error) {
	var rows []domainhmlr.Turn
	if err := r.tx(dbc).Where("block_id = ?", blockID).Order("timestamp ASC").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *turnRepo) DeleteByIDs(dbc dbctx.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).Where("id IN ?", ids).Delete(&domainhmlr.Turn{}).Error
}
