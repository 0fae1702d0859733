package hmlr

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// BlockRepo is the read/write surface the Block aggregate and the
// Governor's routing step use. Writes that must hold the single-ACTIVE
// invariant go through Create/UpdateStatus, never through a bare Save.
type BlockRepo interface {
	Create(dbc dbctx.Context, b *domainhmlr.BridgeBlock) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error)
	GetActiveByDay(dbc dbctx.Context, dayID string) (*domainhmlr.BridgeBlock, error)
	LockByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error)
	DemoteActiveForDay(dbc dbctx.Context, dayID string, now time.Time) (*uuid.UUID, error)
	UpdateStatus(dbc dbctx.Context, id uuid.UUID, status domainhmlr.BlockStatus, now time.Time) error
	AppendTurn(dbc dbctx.Context, id uuid.UUID, now time.Time) error
	UpdateMetadata(dbc dbctx.Context, id uuid.UUID, keywords, openLoops, decisions []string, now time.Time) error
	PauseWithSummary(dbc dbctx.Context, id uuid.UUID, summary string, now time.Time) error
	MetadataByDay(dbc dbctx.Context, dayID string, limit int) ([]domainhmlr.BlockMetadataProjection, error)
}

type blockRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBlockRepo(db *gorm.DB, log *logger.Logger) BlockRepo {
	return &blockRepo{db: db, log: log.With("repo", "BlockRepo")}
}

func (r *blockRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *blockRepo) Create(dbc dbctx.Context, b *domainhmlr.BridgeBlock) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return r.tx(dbc).Create(b).Error
}

func (r *blockRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error) {
	var b domainhmlr.BridgeBlock
	if err := r.tx(dbc).Where("id = ?", id).First(&b).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

func (r *blockRepo) GetActiveByDay(dbc dbctx.Context, dayID string) (*domainhmlr.BridgeBlock, error) {
	var b domainhmlr.BridgeBlock
	err := r.tx(dbc).
		Where("day_id = ? AND status = ?", dayID, domainhmlr.BlockStatusActive).
		First(&b).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// LockByID reads a block FOR UPDATE, used by the aggregate before a
// status/metadata mutation so concurrent appendTurn calls serialize.
func (r *blockRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error) {
	var b domainhmlr.BridgeBlock
	err := r.tx(dbc).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&b).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// DemoteActiveForDay flips whatever block is ACTIVE for dayID to PAUSED
// and returns its id, or nil if none was active. Must run inside the same
// transaction as the caller's subsequent insert/activate.
func (r *blockRepo) DemoteActiveForDay(dbc dbctx.Context, dayID string, now time.Time) (*uuid.UUID, error) {
	var b domainhmlr.BridgeBlock
	err := r.tx(dbc).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("day_id = ? AND status = ?", dayID, domainhmlr.BlockStatusActive).
		First(&b).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	if err := r.tx(dbc).Model(&domainhmlr.BridgeBlock{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{"status": domainhmlr.BlockStatusPaused, "updated_at": now}).Error; err != nil {
		return nil, err
	}
	return &b.ID, nil
}

func (r *blockRepo) UpdateStatus(dbc dbctx.Context, id uuid.UUID, status domainhmlr.BlockStatus, now time.Time) error {
	return r.tx(dbc).Model(&domainhmlr.BridgeBlock{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": now}).Error
}

func (r *blockRepo) AppendTurn(dbc dbctx.Context, id uuid.UUID, now time.Time) error {
	return r.tx(dbc).Model(&domainhmlr.BridgeBlock{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"turn_count": gorm.Expr("turn_count + 1"),
			"updated_at": now,
		}).Error
}

func (r *blockRepo) UpdateMetadata(dbc dbctx.Context, id uuid.UUID, keywords, openLoops, decisions []string, now time.Time) error {
	kwJSON, err := json.Marshal(keywords)
	if err != nil {
		return err
	}
	loopsJSON, err := json.Marshal(openLoops)
	if err != nil {
		return err
	}
	decJSON, err := json.Marshal(decisions)
	if err != nil {
		return err
	}
	return r.tx(dbc).Model(&domainhmlr.BridgeBlock{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"keywords":       datatypes.JSON(kwJSON),
			"open_loops":     datatypes.JSON(loopsJSON),
			"decisions_made": datatypes.JSON(decJSON),
			"updated_at":     now,
		}).Error
}

func (r *blockRepo) PauseWithSummary(dbc dbctx.Context, id uuid.UUID, summary string, now time.Time) error {
	return r.tx(dbc).Model(&domainhmlr.BridgeBlock{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     domainhmlr.BlockStatusPaused,
			"summary":    summary,
			"updated_at": now,
		}).Error
}

// MetadataByDay returns the lightweight projection the Governor's routing
// prompt needs, most-recently-updated first, with IsLastActive set on
// the single row (if any) that is currently ACTIVE.
func (r *blockRepo) MetadataByDay(dbc dbctx.Context, dayID string, limit int) ([]domainhmlr.BlockMetadataProjection, error) {
	var rows []domainhmlr.BridgeBlock
	q := r.tx(dbc).Where("day_id = ?", dayID).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domainhmlr.BlockMetadataProjection, 0, len(rows))
	for _, b := range rows {
		var kws []string
		_ = json.Unmarshal(b.Keywords, &kws)
		out = append(out, domainhmlr.BlockMetadataProjection{
			BlockID:      b.ID,
			TopicLabel:   b.TopicLabel,
			Status:       b.Status,
			Summary:      b.Summary,
			Keywords:     kws,
			TurnCount:    b.TurnCount,
			UpdatedAt:    b.UpdatedAt,
			IsLastActive: b.Status == domainhmlr.BlockStatusActive,
		})
	}
	return out, nil
}
