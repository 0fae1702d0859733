// Package factstore is the thin ops layer over the Fact aggregate and
// FactRepo: get/getByBlock/getByCategory/searchByKeyPrefix read straight
// from the repo (no supersession-chain invariant to protect on a read),
// while store/storeBatch/remove delegate to the Fact aggregate so the
// chain stays atomic.
package factstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// StoreInput mirrors domainagg.StoreFactInput but leaves Now to be
// stamped by the store at call time.
type StoreInput struct {
	Key               string
	Value             string
	Category          *string
	BlockID           uuid.UUID
	TurnID            *string
	EvidenceSnippet   *string
	SourceChunkID     *string
	SourceParagraphID *string
	Confidence        float64
}

// Store is the Fact Store's public operation surface.
type Store interface {
	Get(ctx context.Context, key string) (*domainhmlr.Fact, error)
	GetByBlock(ctx context.Context, blockID uuid.UUID, headsOnly bool) ([]domainhmlr.Fact, error)
	GetByCategory(ctx context.Context, category domainhmlr.FactCategory, headsOnly bool) ([]domainhmlr.Fact, error)
	SearchByKeyPrefix(ctx context.Context, prefix string, headsOnly bool) ([]domainhmlr.Fact, error)
	Store(ctx context.Context, in StoreInput) (domainagg.StoreFactResult, error)
	StoreBatch(ctx context.Context, ins []StoreInput) ([]domainagg.StoreFactResult, error)
	Remove(ctx context.Context, factID uuid.UUID) (*uuid.UUID, error)
	UpdateBlockID(ctx context.Context, turnID string, blockID uuid.UUID) error
}

type store struct {
	repo reposhmlr.FactRepo
	agg  domainagg.FactAggregate
	now  func() time.Time
}

// New wires a Fact Store ops surface over repo (for reads) and agg (for
// the supersession-owning writes).
func New(repo reposhmlr.FactRepo, agg domainagg.FactAggregate) Store {
	return &store{repo: repo, agg: agg, now: func() time.Time { return time.Now().UTC() }}
}

func (s *store) Get(ctx context.Context, key string) (*domainhmlr.Fact, error) {
	return s.repo.HeadByKey(dbctx.Context{Ctx: ctx}, key)
}

func (s *store) GetByBlock(ctx context.Context, blockID uuid.UUID, headsOnly bool) ([]domainhmlr.Fact, error) {
	return s.repo.GetByBlock(dbctx.Context{Ctx: ctx}, blockID, headsOnly)
}

func (s *store) GetByCategory(ctx context.Context, category domainhmlr.FactCategory, headsOnly bool) ([]domainhmlr.Fact, error) {
	return s.repo.GetByCategory(dbctx.Context{Ctx: ctx}, category, headsOnly)
}

func (s *store) SearchByKeyPrefix(ctx context.Context, prefix string, headsOnly bool) ([]domainhmlr.Fact, error) {
	return s.repo.SearchByKeyPrefix(dbctx.Context{Ctx: ctx}, strings.ToLower(strings.TrimSpace(prefix)), headsOnly)
}

func (s *store) Store(ctx context.Context, in StoreInput) (domainagg.StoreFactResult, error) {
	return s.agg.Store(ctx, s.toAggInput(in))
}

func (s *store) StoreBatch(ctx context.Context, ins []StoreInput) ([]domainagg.StoreFactResult, error) {
	aggIns := make([]domainagg.StoreFactInput, 0, len(ins))
	for _, in := range ins {
		aggIns = append(aggIns, s.toAggInput(in))
	}
	return s.agg.StoreBatch(ctx, aggIns)
}

func (s *store) toAggInput(in StoreInput) domainagg.StoreFactInput {
	return domainagg.StoreFactInput{
		Key:               in.Key,
		Value:             in.Value,
		Category:          in.Category,
		BlockID:           in.BlockID,
		TurnID:            in.TurnID,
		EvidenceSnippet:   in.EvidenceSnippet,
		SourceChunkID:     in.SourceChunkID,
		SourceParagraphID: in.SourceParagraphID,
		Confidence:        in.Confidence,
		Now:               s.now(),
	}
}

// Remove resolves factID to its key and, only if it is still the
// current chain head, supersedes it with a [DELETED] tombstone.
// Already-superseded rows are a no-op, per the fact store's idempotence
// contract.
func (s *store) Remove(ctx context.Context, factID uuid.UUID) (*uuid.UUID, error) {
	f, err := s.repo.GetByID(dbctx.Context{Ctx: ctx}, factID)
	if err != nil {
		return nil, err
	}
	if f == nil || f.SupersededBy != nil {
		return nil, nil
	}
	return s.agg.Remove(ctx, domainagg.RemoveFactInput{Key: f.Key, BlockID: f.BlockID, Now: s.now()})
}

func (s *store) UpdateBlockID(ctx context.Context, turnID string, blockID uuid.UUID) error {
	return s.repo.UpdateBlockIDByTurn(dbctx.Context{Ctx: ctx}, turnID, blockID)
}
