package aggregates

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FactContract documents that Fact writes own the supersession chain:
// for any key, at most one row may have a nil SupersededBy after a write
// commits.
var FactContract = Contract{
	Name:             "Fact",
	WriteTxOwnership: WriteTxOwnedByAggregate,
	ReadPolicy:       ReadPolicyInvariantScoped,
	Notes:            "append-only; store/remove close out the prior chain head for the same key in the same transaction",
}

// StoreFactInput stores one key/value fact, superseding whatever row
// currently holds the chain head for Key (if any).
type StoreFactInput struct {
	Key               string
	Value             string
	Category          *string
	BlockID           uuid.UUID
	TurnID            *string
	EvidenceSnippet   *string
	SourceChunkID     *string
	SourceParagraphID *string
	Confidence        float64
	Now               time.Time
}

// StoreFactResult is the new row's id and, if a prior row for the same
// key existed, the id that was just superseded.
type StoreFactResult struct {
	FactID        uuid.UUID
	SupersededID  *uuid.UUID
}

// RemoveFactInput tombstones a key by writing a successor row whose value
// is the deleted sentinel. Idempotent: removing an already-absent key is
// a no-op that returns a nil FactID.
type RemoveFactInput struct {
	Key     string
	BlockID uuid.UUID
	Now     time.Time
}

// FactAggregate owns the append-only supersession chain: store, batch
// store, and remove all close out the prior chain head for a key in the
// same transaction as the new row's insert.
type FactAggregate interface {
	Aggregate

	Store(ctx context.Context, in StoreFactInput) (StoreFactResult, error)
	StoreBatch(ctx context.Context, ins []StoreFactInput) ([]StoreFactResult, error)
	Remove(ctx context.Context, in RemoveFactInput) (*uuid.UUID, error)
}
