package hmlr

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// MemoryRepo stores the SQL mirror of embedded memory rows. The vectors
// themselves live in Pinecone (internal/clients/pinecone); this table is
// the relational join point (turn/block ownership, content, gardened-day
// exclusion) that the vector store's metadata filter can't do alone.
type MemoryRepo interface {
	Create(dbc dbctx.Context, m *domainhmlr.Memory) error
	GetByVectorIDs(dbc dbctx.Context, vectorIDs []string) ([]domainhmlr.Memory, error)
	ListByBlock(dbc dbctx.Context, blockID uuid.UUID) ([]domainhmlr.Memory, error)
	ExcludeByDay(dbc dbctx.Context, dayID string) ([]string, error)
}

type memoryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMemoryRepo(db *gorm.DB, log *logger.Logger) MemoryRepo {
	return &memoryRepo{db: db, log: log.With("repo", "MemoryRepo")}
}

func (r *memoryRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *memoryRepo) Create(dbc dbctx.Context, m *domainhmlr.Memory) error {
	return r.tx(dbc).Create(m).Error
}

func (r *memoryRepo) GetByVectorIDs(dbc dbctx.Context, vectorIDs []string) ([]domainhmlr.Memory, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	var rows []domainhmlr.Memory
	if err := r.tx(dbc).Where("vector_id IN ?", vectorIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *memoryRepo) ListByBlock(dbc dbctx.Context, blockID uuid.UUID) ([]domainhmlr.Memory, error) {
	var rows []domainhmlr.Memory
	if err := r.tx(dbc).Where("block_id = ?", blockID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ExcludeByDay returns the vector ids belonging to the given day, for the
// gardened memory search's current-day exclusion (spec.md §4.4).
func (r *memoryRepo) ExcludeByDay(dbc dbctx.Context, dayID string) ([]string, error) {
	var ids []string
	err := r.tx(dbc).Model(&domainhmlr.Memory{}).
		Joins("JOIN hmlr_bridge_blocks ON hmlr_bridge_blocks.id = hmlr_memories.block_id").
		Where("hmlr_bridge_blocks.day_id = ?", dayID).
		Pluck("hmlr_memories.vector_id", &ids).Error
	return ids, err
}
