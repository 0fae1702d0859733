package aggregates

import (
	"context"
	"strings"

	"github.com/google/uuid"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// factAggregate is the concrete FactAggregate: store/storeBatch/remove all
// close out the prior chain head for a key inside the same transaction as
// the new row's insert, per domainagg.FactContract.
type factAggregate struct {
	deps BaseDeps
	repo reposhmlr.FactRepo
}

// NewFactAggregate wires a FactAggregate over the given FactRepo.
func NewFactAggregate(deps BaseDeps, repo reposhmlr.FactRepo) domainagg.FactAggregate {
	return &factAggregate{deps: deps.withDefaults(), repo: repo}
}

func (a *factAggregate) Contract() domainagg.Contract { return domainagg.FactContract }

func (a *factAggregate) Store(ctx context.Context, in domainagg.StoreFactInput) (domainagg.StoreFactResult, error) {
	if strings.TrimSpace(in.Key) == "" {
		return domainagg.StoreFactResult{}, domainagg.NewError(domainagg.CodeValidation, "fact.store", "key is required", nil)
	}
	var result domainagg.StoreFactResult
	err := executeWrite(ctx, a.deps, "fact.store", func(dbc dbctx.Context) error {
		res, err := a.storeOne(dbc, in)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (a *factAggregate) StoreBatch(ctx context.Context, ins []domainagg.StoreFactInput) ([]domainagg.StoreFactResult, error) {
	results := make([]domainagg.StoreFactResult, 0, len(ins))
	err := executeWrite(ctx, a.deps, "fact.storeBatch", func(dbc dbctx.Context) error {
		for _, in := range ins {
			if strings.TrimSpace(in.Key) == "" {
				return domainagg.NewError(domainagg.CodeValidation, "fact.storeBatch", "key is required", nil)
			}
			res, err := a.storeOne(dbc, in)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// storeOne locks the current chain head for Key (if any), points it at the
// new row's id, and then inserts the new row — all within the caller's
// transaction, so the one-head-per-key index never sees two heads.
func (a *factAggregate) storeOne(dbc dbctx.Context, in domainagg.StoreFactInput) (domainagg.StoreFactResult, error) {
	prior, err := a.repo.LockHeadByKey(dbc, in.Key)
	if err != nil {
		return domainagg.StoreFactResult{}, err
	}

	var category *domainhmlr.FactCategory
	if in.Category != nil {
		c := domainhmlr.FactCategory(*in.Category)
		category = &c
	}
	f := &domainhmlr.Fact{
		ID:                uuid.New(),
		Key:               in.Key,
		Value:             in.Value,
		Category:          category,
		BlockID:           in.BlockID,
		TurnID:            in.TurnID,
		EvidenceSnippet:   in.EvidenceSnippet,
		SourceChunkID:     in.SourceChunkID,
		SourceParagraphID: in.SourceParagraphID,
		Confidence:        in.Confidence,
		CreatedAt:         in.Now,
	}

	var supersededID *uuid.UUID
	if prior != nil {
		if err := a.repo.Supersede(dbc, prior.ID, f.ID); err != nil {
			return domainagg.StoreFactResult{}, err
		}
		id := prior.ID
		supersededID = &id
	}
	if err := a.repo.Insert(dbc, f); err != nil {
		return domainagg.StoreFactResult{}, err
	}
	return domainagg.StoreFactResult{FactID: f.ID, SupersededID: supersededID}, nil
}

// Remove tombstones Key by writing a [DELETED] successor row. Idempotent:
// if Key has no current chain head (already removed, or never existed),
// Remove is a no-op and returns a nil id.
func (a *factAggregate) Remove(ctx context.Context, in domainagg.RemoveFactInput) (*uuid.UUID, error) {
	var removedID *uuid.UUID
	err := executeWrite(ctx, a.deps, "fact.remove", func(dbc dbctx.Context) error {
		prior, err := a.repo.LockHeadByKey(dbc, in.Key)
		if err != nil {
			return err
		}
		if prior == nil {
			return nil
		}
		category := prior.Category
		successor := &domainhmlr.Fact{
			ID:        uuid.New(),
			Key:       prior.Key,
			Value:     domainhmlr.FactDeletedValue,
			Category:  category,
			BlockID:   in.BlockID,
			CreatedAt: in.Now,
		}
		if err := a.repo.Supersede(dbc, prior.ID, successor.ID); err != nil {
			return err
		}
		if err := a.repo.Insert(dbc, successor); err != nil {
			return err
		}
		removedID = &successor.ID
		return nil
	})
	return removedID, err
}
