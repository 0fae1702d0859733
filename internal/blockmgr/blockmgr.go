// Package blockmgr is the Bridge Block Manager: the public surface the
// orchestrator and Governor use for block lifecycle operations, layered
// over the Block aggregate (for writes that must protect the single-
// ACTIVE-per-day invariant) and BlockRepo/TurnRepo (for reads and the
// turn data synthesizeBlockWithLLM summarizes).
package blockmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	"github.com/timottowitz/hmlr/internal/data/aggregates"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/clients/openai"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// SynthesizedMetadata is the shape synthesizeBlockWithLLM expects back
// from the Chat LLM's fixed prompt template.
type SynthesizedMetadata struct {
	TopicLabel     string   `json:"topic_label"`
	Summary        string   `json:"summary"`
	UserAffect     string   `json:"user_affect"`
	OpenLoops      []string `json:"open_loops"`
	DecisionsMade  []string `json:"decisions_made"`
	Keywords       []string `json:"keywords"`
}

// Manager is the Bridge Block Manager's public operation surface.
type Manager interface {
	Create(ctx context.Context, in domainagg.CreateBlockInput) (domainagg.CreateBlockResult, error)
	Get(ctx context.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error)
	GetByDay(ctx context.Context, dayID string) ([]domainhmlr.BlockMetadataProjection, error)
	GetActive(ctx context.Context, dayID string) (*domainhmlr.BridgeBlock, error)
	GetMetadataByDay(ctx context.Context, dayID string, limit int) ([]domainhmlr.BlockMetadataProjection, error)
	UpdateStatus(ctx context.Context, in domainagg.UpdateStatusInput) error
	UpdateMetadata(ctx context.Context, in domainagg.UpdateMetadataInput) error
	AppendTurn(ctx context.Context, in domainagg.AppendTurnInput) error
	PauseWithSummary(ctx context.Context, blockID uuid.UUID, summary string, now time.Time) error
	GenerateSummary(ctx context.Context, blockID uuid.UUID) (string, error)
	SynthesizeBlockWithLLM(ctx context.Context, blockID uuid.UUID) (SynthesizedMetadata, error)
}

type manager struct {
	blocks reposhmlr.BlockRepo
	turns  reposhmlr.TurnRepo
	agg    domainagg.BlockAggregate
	llm    openai.Client
	log    *logger.Logger
}

// New wires a Bridge Block Manager. llm may be nil: SynthesizeBlockWithLLM
// then falls back to the heuristic summary and empty metadata rather than
// failing outright, matching pauseWithSummary's own fallback behavior.
func New(blocks reposhmlr.BlockRepo, turns reposhmlr.TurnRepo, agg domainagg.BlockAggregate, llm openai.Client, log *logger.Logger) Manager {
	return &manager{blocks: blocks, turns: turns, agg: agg, llm: llm, log: log.With("component", "BlockManager")}
}

func (m *manager) Create(ctx context.Context, in domainagg.CreateBlockInput) (domainagg.CreateBlockResult, error) {
	return m.agg.Create(ctx, in)
}

func (m *manager) Get(ctx context.Context, id uuid.UUID) (*domainhmlr.BridgeBlock, error) {
	return m.blocks.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (m *manager) GetByDay(ctx context.Context, dayID string) ([]domainhmlr.BlockMetadataProjection, error) {
	return m.blocks.MetadataByDay(dbctx.Context{Ctx: ctx}, dayID, 0)
}

func (m *manager) GetActive(ctx context.Context, dayID string) (*domainhmlr.BridgeBlock, error) {
	return m.blocks.GetActiveByDay(dbctx.Context{Ctx: ctx}, dayID)
}

func (m *manager) GetMetadataByDay(ctx context.Context, dayID string, limit int) ([]domainhmlr.BlockMetadataProjection, error) {
	return m.blocks.MetadataByDay(dbctx.Context{Ctx: ctx}, dayID, limit)
}

func (m *manager) UpdateStatus(ctx context.Context, in domainagg.UpdateStatusInput) error {
	return m.agg.UpdateStatus(ctx, in)
}

func (m *manager) UpdateMetadata(ctx context.Context, in domainagg.UpdateMetadataInput) error {
	return m.agg.UpdateMetadata(ctx, in)
}

func (m *manager) AppendTurn(ctx context.Context, in domainagg.AppendTurnInput) error {
	return m.agg.AppendTurn(ctx, in)
}

func (m *manager) PauseWithSummary(ctx context.Context, blockID uuid.UUID, summary string, now time.Time) error {
	if strings.TrimSpace(summary) == "" {
		generated, err := m.GenerateSummary(ctx, blockID)
		if err != nil {
			return err
		}
		summary = generated
	}
	return m.agg.PauseWithSummary(ctx, domainagg.PauseWithSummaryInput{BlockID: blockID, Summary: summary, Now: now})
}

// GenerateSummary builds the heuristic fallback summary from a block's
// first and last turns, per the pauseWithSummary contract.
func (m *manager) GenerateSummary(ctx context.Context, blockID uuid.UUID) (string, error) {
	turns, err := m.turns.ListByBlock(dbctx.Context{Ctx: ctx}, blockID, 0)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return "", nil
	}
	first := turns[0]
	last := turns[len(turns)-1]
	return aggregates.HeuristicSummary(first.UserMessage, last.UserMessage, len(turns)), nil
}

// SynthesizeBlockWithLLM asks the Chat LLM for structured metadata about
// a block's turns and applies it via updateMetadata. Without an llm
// client configured, it falls back to heuristic metadata instead of
// failing the caller outright.
func (m *manager) SynthesizeBlockWithLLM(ctx context.Context, blockID uuid.UUID) (SynthesizedMetadata, error) {
	turns, err := m.turns.ListByBlock(dbctx.Context{Ctx: ctx}, blockID, 0)
	if err != nil {
		return SynthesizedMetadata{}, err
	}
	if m.llm == nil {
		meta := m.heuristicMetadata(turns)
		return meta, m.applyMetadata(ctx, blockID, meta)
	}

	prompt := synthesisPrompt(turns)
	raw, err := m.llm.GenerateJSON(ctx, synthesisSystemPrompt, prompt, "block_metadata", synthesisSchema)
	if err != nil {
		m.log.Warn("synthesizeBlockWithLLM: llm call failed, falling back to heuristic", "block_id", blockID, "error", err)
		meta := m.heuristicMetadata(turns)
		return meta, m.applyMetadata(ctx, blockID, meta)
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return SynthesizedMetadata{}, fmt.Errorf("marshal llm response: %w", err)
	}
	var meta SynthesizedMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return SynthesizedMetadata{}, fmt.Errorf("decode llm response: %w", err)
	}
	return meta, m.applyMetadata(ctx, blockID, meta)
}

func (m *manager) applyMetadata(ctx context.Context, blockID uuid.UUID, meta SynthesizedMetadata) error {
	now := time.Now().UTC()
	if err := m.agg.UpdateMetadata(ctx, domainagg.UpdateMetadataInput{
		BlockID:      blockID,
		NewKeywords:  meta.Keywords,
		NewOpenLoops: meta.OpenLoops,
		NewDecisions: meta.DecisionsMade,
		Now:          now,
	}); err != nil {
		return err
	}
	if strings.TrimSpace(meta.Summary) != "" {
		return m.agg.PauseWithSummary(ctx, domainagg.PauseWithSummaryInput{BlockID: blockID, Summary: meta.Summary, Now: now})
	}
	return nil
}

func (m *manager) heuristicMetadata(turns []domainhmlr.Turn) SynthesizedMetadata {
	var kws []string
	seen := make(map[string]struct{})
	for _, t := range turns {
		for _, k := range t.Keywords {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			kws = append(kws, k)
		}
	}
	summary := ""
	if len(turns) > 0 {
		summary = aggregates.HeuristicSummary(turns[0].UserMessage, turns[len(turns)-1].UserMessage, len(turns))
	}
	return SynthesizedMetadata{Summary: summary, Keywords: kws}
}

const synthesisSystemPrompt = "You summarize a conversation segment into structured metadata. Respond only with the requested JSON fields."

var synthesisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"topic_label":    map[string]any{"type": "string"},
		"summary":        map[string]any{"type": "string"},
		"user_affect":    map[string]any{"type": "string"},
		"open_loops":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"decisions_made": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"keywords":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"topic_label", "summary", "user_affect", "open_loops", "decisions_made", "keywords"},
}

func synthesisPrompt(turns []domainhmlr.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("User: ")
		b.WriteString(t.UserMessage)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.AIResponse)
		b.WriteString("\n\n")
	}
	return b.String()
}
