package hmlr

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

type ChunkRepo interface {
	CreateBatch(dbc dbctx.Context, chunks []domainhmlr.Chunk) error
	GetByID(dbc dbctx.Context, id string) (*domainhmlr.Chunk, error)
	GetByParent(dbc dbctx.Context, parentID string) ([]domainhmlr.Chunk, error)
	ListByTurn(dbc dbctx.Context, turnID string) ([]domainhmlr.Chunk, error)
	AssignBlock(dbc dbctx.Context, chunkIDs []string, blockID uuid.UUID) error
	LexicalSearch(dbc dbctx.Context, query string, limit int) ([]domainhmlr.Chunk, error)
}

type chunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChunkRepo(db *gorm.DB, log *logger.Logger) ChunkRepo {
	return &chunkRepo{db: db, log: log.With("repo", "ChunkRepo")}
}

func (r *chunkRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *chunkRepo) CreateBatch(dbc dbctx.Context, chunks []domainhmlr.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.tx(dbc).CreateInBatches(chunks, 100).Error
}

func (r *chunkRepo) GetByID(dbc dbctx.Context, id string) (*domainhmlr.Chunk, error) {
	var c domainhmlr.Chunk
	if err := r.tx(dbc).Where("id = ?", id).First(&c).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *chunkRepo) GetByParent(dbc dbctx.Context, parentID string) ([]domainhmlr.Chunk, error) {
	var rows []domainhmlr.Chunk
	if err := r.tx(dbc).Where("parent_chunk_id = ?", parentID).Order("index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chunkRepo) ListByTurn(dbc dbctx.Context, turnID string) ([]domainhmlr.Chunk, error) {
	var rows []domainhmlr.Chunk
	if err := r.tx(dbc).Where("turn_id = ?", turnID).Order("index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chunkRepo) AssignBlock(dbc dbctx.Context, chunkIDs []string, blockID uuid.UUID) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return r.tx(dbc).Model(&domainhmlr.Chunk{}).
		Where("id IN ?", chunkIDs).
		Update("block_id", blockID).Error
}

// LexicalSearch runs the Postgres full-text index created by
// EnsureHMLRIndexes, ranked by ts_rank, for the lexical half of hybrid
// retrieval.
func (r *chunkRepo) LexicalSearch(dbc dbctx.Context, query string, limit int) ([]domainhmlr.Chunk, error) {
	var rows []domainhmlr.Chunk
	err := r.tx(dbc).Raw(`
		SELECT * FROM hmlr_chunks
		WHERE to_tsvector('english', text_verbatim) @@ plainto_tsquery('english', @query)
		ORDER BY ts_rank(to_tsvector('english', text_verbatim), plainto_tsquery('english', @query)) DESC
		LIMIT @limit
	`, map[string]any{"query": query, "limit": limit}).Scan(&rows).Error
	return rows, err
}
