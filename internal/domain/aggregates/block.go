package aggregates

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BlockContract documents the write ownership and read policy for the
// Bridge Block aggregate: every mutation that can affect the
// single-ACTIVE-block invariant must go through it.
var BlockContract = Contract{
	Name:             "BridgeBlock",
	WriteTxOwnership: WriteTxOwnedByAggregate,
	ReadPolicy:       ReadPolicyInvariantScoped,
	Notes:            "at most one ACTIVE block per dayId; status flips are atomic with the row they affect",
}

// CreateBlockInput starts a new Bridge Block, pausing whatever block is
// currently ACTIVE for the same day in the same transaction.
type CreateBlockInput struct {
	DayID       string
	TopicLabel  string
	Keywords    []string
	PrevBlockID *uuid.UUID
	Now         time.Time
}

// CreateBlockResult is the outcome of Create: the new block's id and the
// id of whatever block was demoted to PAUSED, if any.
type CreateBlockResult struct {
	BlockID   uuid.UUID
	PausedID  *uuid.UUID
}

// UpdateStatusInput requests a status transition. Transitioning a block to
// ACTIVE must, in the same transaction, flip any other ACTIVE block for
// the same day to PAUSED.
type UpdateStatusInput struct {
	BlockID uuid.UUID
	DayID   string
	Status  string // hmlr.BlockStatus, kept as string to avoid an import cycle
	Now     time.Time
}

// AppendTurnInput records that a turn was appended to a block: turnCount
// increments and updatedAt advances.
type AppendTurnInput struct {
	BlockID uuid.UUID
	TurnID  string
	Now     time.Time
}

// UpdateMetadataInput merges new keywords/open loops/decisions into a
// block's existing lists. Merge is a deduped, order-preserving union
// clamped to the relevant max cardinality (oldest entries evicted first).
type UpdateMetadataInput struct {
	BlockID       uuid.UUID
	NewKeywords   []string
	NewOpenLoops  []string
	NewDecisions  []string
	Now           time.Time
}

// PauseWithSummaryInput pauses a block and attaches a summary. Callers
// that already have an LLM-synthesized summary pass it in Summary;
// callers that don't leave it empty and the aggregate falls back to a
// heuristic summary built from the block's topic label and turn count.
type PauseWithSummaryInput struct {
	BlockID uuid.UUID
	Summary string
	Now     time.Time
}

// BlockAggregate owns every mutation that can affect the single-ACTIVE-
// block invariant for a dayId. Implementations must run each method's
// writes inside one transaction (RequiresAggregateOwnedTx()).
type BlockAggregate interface {
	Aggregate

	Create(ctx context.Context, in CreateBlockInput) (CreateBlockResult, error)
	UpdateStatus(ctx context.Context, in UpdateStatusInput) error
	AppendTurn(ctx context.Context, in AppendTurnInput) error
	UpdateMetadata(ctx context.Context, in UpdateMetadataInput) error
	PauseWithSummary(ctx context.Context, in PauseWithSummaryInput) error
}

// MergeBounded returns the order-preserving, deduped union of existing and
// incoming, keeping at most max entries and preferring the most recently
// seen ones when the union overflows (incoming wins ties over existing).
func MergeBounded(existing, incoming []string, max int) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, v := range existing {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	for _, v := range incoming {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	if len(merged) > max {
		merged = merged[len(merged)-max:]
	}
	return merged
}
