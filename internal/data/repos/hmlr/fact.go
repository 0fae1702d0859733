package hmlr

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// FactRepo is the storage surface behind the Fact Store's ops table
// (get/getByBlock/getByCategory/searchByKeyPrefix/store/storeBatch/
// remove/updateBlockId). Supersession-chain atomicity lives in the Fact
// aggregate, not here — this repo only executes single-row operations.
type FactRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.Fact, error)
	HeadByKey(dbc dbctx.Context, key string) (*domainhmlr.Fact, error)
	LockHeadByKey(dbc dbctx.Context, key string) (*domainhmlr.Fact, error)
	Insert(dbc dbctx.Context, f *domainhmlr.Fact) error
	Supersede(dbc dbctx.Context, id, supersededBy uuid.UUID) error
	GetByBlock(dbc dbctx.Context, blockID uuid.UUID, headsOnly bool) ([]domainhmlr.Fact, error)
	GetByCategory(dbc dbctx.Context, category domainhmlr.FactCategory, headsOnly bool) ([]domainhmlr.Fact, error)
	SearchByKeyPrefix(dbc dbctx.Context, prefix string, headsOnly bool) ([]domainhmlr.Fact, error)
	UpdateBlockID(dbc dbctx.Context, factID, newBlockID uuid.UUID) error
	UpdateBlockIDByTurn(dbc dbctx.Context, turnID string, newBlockID uuid.UUID) error
}

type factRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFactRepo(db *gorm.DB, log *logger.Logger) FactRepo {
	return &factRepo{db: db, log: log.With("repo", "FactRepo")}
}

func (r *factRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *factRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.Fact, error) {
	var f domainhmlr.Fact
	if err := r.tx(dbc).Where("id = ?", id).First(&f).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *factRepo) HeadByKey(dbc dbctx.Context, key string) (*domainhmlr.Fact, error) {
	var f domainhmlr.Fact
	err := r.tx(dbc).Where("key = ? AND superseded_by IS NULL", key).First(&f).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *factRepo) LockHeadByKey(dbc dbctx.Context, key string) (*domainhmlr.Fact, error) {
	var f domainhmlr.Fact
	err := r.tx(dbc).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("key = ? AND superseded_by IS NULL", key).First(&f).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *factRepo) Insert(dbc dbctx.Context, f *domainhmlr.Fact) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return r.tx(dbc).Create(f).Error
}

func (r *factRepo) Supersede(dbc dbctx.Context, id, supersededBy uuid.UUID) error {
	return r.tx(dbc).Model(&domainhmlr.Fact{}).
		Where("id = ?", id).
		Update("superseded_by", supersededBy).Error
}

func (r *factRepo) GetByBlock(dbc dbctx.Context, blockID uuid.UUID, headsOnly bool) ([]domainhmlr.Fact, error) {
	q := r.tx(dbc).Where("block_id = ?", blockID)
	if headsOnly {
		q = q.Where("superseded_by IS NULL")
	}
	var rows []domainhmlr.Fact
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *factRepo) GetByCategory(dbc dbctx.Context, category domainhmlr.FactCategory, headsOnly bool) ([]domainhmlr.Fact, error) {
	q := r.tx(dbc).Where("category = ?", category)
	if headsOnly {
		q = q.Where("superseded_by IS NULL")
	}
	var rows []domainhmlr.Fact
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *factRepo) SearchByKeyPrefix(dbc dbctx.Context, prefix string, headsOnly bool) ([]domainhmlr.Fact, error) {
	prefix = strings.TrimSpace(prefix)
	q := r.tx(dbc).Where("key LIKE ?", prefix+"%")
	if headsOnly {
		q = q.Where("superseded_by IS NULL")
	}
	var rows []domainhmlr.Fact
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *factRepo) UpdateBlockID(dbc dbctx.Context, factID, newBlockID uuid.UUID) error {
	return r.tx(dbc).Model(&domainhmlr.Fact{}).
		Where("id = ?", factID).
		Update("block_id", newBlockID).Error
}

func (r *factRepo) UpdateBlockIDByTurn(dbc dbctx.Context, turnID string, newBlockID uuid.UUID) error {
	return r.tx(dbc).Model(&domainhmlr.Fact{}).
		Where("turn_id = ?", turnID).
		Update("block_id", newBlockID).Error
}
