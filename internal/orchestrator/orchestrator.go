// Package orchestrator is the Chat Orchestrator: the stateful, per-turn
// pipeline that chunks an incoming message, routes it through the
// Governor, hydrates a prompt, calls the Chat LLM, and persists the
// turn's facts, memory, and lineage. See SendMessage for the step
// breakdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/timottowitz/hmlr/internal/blockmgr"
	"github.com/timottowitz/hmlr/internal/chunker"
	"github.com/timottowitz/hmlr/internal/clients/openai"
	"github.com/timottowitz/hmlr/internal/clients/pinecone"
	"github.com/timottowitz/hmlr/internal/config"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/factstore"
	"github.com/timottowitz/hmlr/internal/governor"
	"github.com/timottowitz/hmlr/internal/hydrator"
	"github.com/timottowitz/hmlr/internal/jobs/scribe"
	"github.com/timottowitz/hmlr/internal/lineage"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// SendMessageInput is one incoming chat turn.
type SendMessageInput struct {
	DayID   string
	UserID  string
	Message string
	// Profile is the caller-supplied profile context (there is no
	// UserProfile entity in this core; the Scribe subsystem that would
	// produce it is out of scope, so callers pass whatever they have).
	Profile string
}

// ChatResponse is SendMessage's result shape.
type ChatResponse struct {
	Response       string
	BlockID        uuid.UUID
	TurnID         string
	IsNewTopic     bool
	TopicLabel     string
	MemoriesUsed   int
	FactsUsed      int
	ChunksCreated  int
	FactsExtracted int
	Scenario       int
}

// Orchestrator is the Chat Orchestrator's public operation surface.
type Orchestrator interface {
	SendMessage(ctx context.Context, in SendMessageInput) (ChatResponse, error)
}

type orchestrator struct {
	blocks   blockmgr.Manager
	turns    reposhmlr.TurnRepo
	chunks   reposhmlr.ChunkRepo
	memories reposhmlr.MemoryRepo
	facts    factstore.Store
	jobs     reposhmlr.JobRunRepo
	gov      governor.Governor
	tracker  lineage.Tracker
	chunk    *chunker.Chunker
	vectors  pinecone.VectorStore
	llm      openai.Client
	cfg      config.Config
	log      *logger.Logger

	turnSeq atomic.Int64
}

// New wires a Chat Orchestrator. vectors and jobs may be nil: memory
// vector upsert and Scribe scheduling are then skipped rather than
// failing the turn, matching their non-fatal disposition in spec.md §7.
func New(
	blocks blockmgr.Manager,
	turns reposhmlr.TurnRepo,
	chunks reposhmlr.ChunkRepo,
	memories reposhmlr.MemoryRepo,
	facts factstore.Store,
	jobs reposhmlr.JobRunRepo,
	gov governor.Governor,
	tracker lineage.Tracker,
	vectors pinecone.VectorStore,
	llm openai.Client,
	cfg config.Config,
	log *logger.Logger,
) Orchestrator {
	return &orchestrator{
		blocks:   blocks,
		turns:    turns,
		chunks:   chunks,
		memories: memories,
		facts:    facts,
		jobs:     jobs,
		gov:      gov,
		tracker:  tracker,
		chunk:    chunker.New(),
		vectors:  vectors,
		llm:      llm,
		cfg:      cfg,
		log:      log.With("component", "Orchestrator"),
	}
}

const chatSendMessageOp = "chat.sendMessage"
const factScrubberOp = "fact_scrubber_v1"
const chunkEngineOp = "chunk_engine_v1"

// SendMessage runs the 16-step per-turn pipeline described in spec.md
// §4.10. Steps 1-5 are totally ordered; fact extraction (step 7) races
// context build (steps 8-9); steps 11-16 are totally ordered after the
// Chat LLM call (step 10).
func (o *orchestrator) SendMessage(ctx context.Context, in SendMessageInput) (ChatResponse, error) {
	now := time.Now().UTC()

	// 1. turn id + start time.
	turnID := o.nextTurnID(now)

	// 2. Chunker -> persist chunks with blockId = nil. Non-fatal.
	chunks := o.chunk.Split(in.Message, turnID)
	if len(chunks) > 0 {
		if err := o.chunks.CreateBatch(dbctx.Context{Ctx: ctx}, chunks); err != nil {
			o.log.Warn("chunk persist failed, continuing without chunks", "turn_id", turnID, "error", err)
			chunks = nil
		}
	}

	// 3. Embedder -> query vector.
	vectors, err := o.llm.Embed(ctx, []string{in.Message})
	if err != nil || len(vectors) == 0 {
		return ChatResponse{}, fmt.Errorf("embed query: %w", err)
	}
	queryEmbedding := vectors[0]

	active, err := o.blocks.GetActive(ctx, in.DayID)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("load active block: %w", err)
	}
	var lastActiveID *uuid.UUID
	if active != nil {
		id := active.ID
		lastActiveID = &id
	}

	// 4. Governor.govern (internal parallel fan-out).
	govResult, err := o.gov.Govern(ctx, in.DayID, in.UserID, in.Message, queryEmbedding, lastActiveID)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("governor: %w", err)
	}

	// 5. Resolve the routing scenario to a concrete blockId.
	blockID, err := o.resolveBlock(ctx, in.DayID, govResult, now)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("resolve block: %w", err)
	}

	// 6. Patch chunks' blockId. Non-fatal.
	if len(chunks) > 0 {
		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		if err := o.chunks.AssignBlock(dbctx.Context{Ctx: ctx}, ids, blockID); err != nil {
			o.log.Warn("chunk blockId patch failed", "turn_id", turnID, "block_id", blockID, "error", err)
		}
	}

	// 7. Kick off fact extraction concurrently with context build.
	var wg sync.WaitGroup
	var extracted []extractedFact
	wg.Add(1)
	go func() {
		defer wg.Done()
		extracted = o.extractFacts(ctx, in.Message)
	}()

	// 8. Load block facts and block turns (profile comes straight from
	// the caller; there is no profile repo to query).
	blockFacts, err := o.facts.GetByBlock(ctx, blockID, true)
	if err != nil {
		o.log.Warn("load block facts failed", "block_id", blockID, "error", err)
	}
	blockTurns, err := o.turns.ListByBlock(dbctx.Context{Ctx: ctx}, blockID, 0)
	if err != nil {
		o.log.Warn("load block turns failed", "block_id", blockID, "error", err)
	}

	allFacts := append(append([]domainhmlr.Fact{}, blockFacts...), govResult.Facts.Facts...)

	// 9. Hydrator assembles the full prompt.
	hydrated := hydrator.Hydrate(hydrator.Input{
		TotalTokens:      o.cfg.MaxContextTokens,
		SystemTokens:     o.cfg.SystemTokens,
		TaskTokens:       o.cfg.TaskTokens,
		SystemPromptText: systemPrompt,
		Turns:            blockTurns,
		Memories:         govResult.Memories.Memories,
		Facts:            allFacts,
		Profile:          in.Profile,
		IsNewTopic:       govResult.Scenario == governor.ScenarioNewBlock || govResult.Scenario == governor.ScenarioTopicShift,
	})

	// 10. Call Chat LLM.
	response, err := o.llm.GenerateText(ctx, systemPrompt, hydrated.Prompt+"\n\nUser: "+in.Message)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat completion: %w", err)
	}

	// 11. Parse metadata JSON from response; merge into block.
	meta := parseResponseMetadata(response)
	if err := o.blocks.UpdateMetadata(ctx, domainagg.UpdateMetadataInput{
		BlockID:      blockID,
		NewKeywords:  meta.Keywords,
		NewOpenLoops: meta.OpenLoops,
		NewDecisions: meta.DecisionsMade,
		Now:          now,
	}); err != nil {
		return ChatResponse{}, fmt.Errorf("update block metadata: %w", err)
	}

	// 12. Append turn with extracted keywords and affect.
	turn := domainhmlr.Turn{
		ID:          turnID,
		BlockID:     blockID,
		UserMessage: in.Message,
		AIResponse:  response,
		Keywords:    meta.Keywords,
		Affect:      meta.Affect,
		Timestamp:   now,
	}
	if err := o.turns.Create(dbctx.Context{Ctx: ctx}, &turn); err != nil {
		return ChatResponse{}, fmt.Errorf("append turn: %w", err)
	}
	if err := o.blocks.AppendTurn(ctx, domainagg.AppendTurnInput{BlockID: blockID, TurnID: turnID, Now: now}); err != nil {
		return ChatResponse{}, fmt.Errorf("bump block turn count: %w", err)
	}

	// 13. Store Memory.
	memoryContent := "User: " + in.Message + "\nAssistant: " + response
	memoryVectorID := "mem_" + turnID
	memEmbedding, err := o.llm.Embed(ctx, []string{memoryContent})
	if err != nil || len(memEmbedding) == 0 {
		return ChatResponse{}, fmt.Errorf("embed memory: %w", err)
	}
	embeddingJSON, err := json.Marshal(memEmbedding[0])
	if err != nil {
		return ChatResponse{}, fmt.Errorf("encode memory embedding: %w", err)
	}
	memory := domainhmlr.Memory{
		ID:         uuid.New(),
		TurnID:     turnID,
		BlockID:    blockID,
		Content:    memoryContent,
		ChunkIndex: 0,
		Embedding:  datatypes.JSON(embeddingJSON),
		VectorID:   memoryVectorID,
		CreatedAt:  now,
	}
	if err := o.memories.Create(dbctx.Context{Ctx: ctx}, &memory); err != nil {
		return ChatResponse{}, fmt.Errorf("insert memory: %w", err)
	}
	if o.vectors != nil {
		if err := o.vectors.Upsert(ctx, in.UserID, []pinecone.Vector{{ID: memoryVectorID, Values: memEmbedding[0]}}); err != nil {
			o.log.Warn("memory vector upsert failed", "turn_id", turnID, "error", err)
		}
	}

	// 14. Emit lineage edges.
	o.recordTurnLineage(ctx, turnID, blockID, memoryVectorID, chunks)

	// 15. Await fact extraction; persist facts, optionally re-extracting
	// from the response and merging.
	wg.Wait()
	extracted = append(extracted, o.extractFacts(ctx, response)...)
	factsStored := o.persistFacts(ctx, extracted, blockID, turnID)

	// 16. Schedule background Scribe invocation (fire-and-forget).
	o.scheduleScribe(ctx, in.UserID, in.DayID)

	return ChatResponse{
		Response:       response,
		BlockID:        blockID,
		TurnID:         turnID,
		IsNewTopic:     govResult.Route.IsNewTopic,
		TopicLabel:     meta.TopicLabel,
		MemoriesUsed:   len(govResult.Memories.Memories),
		FactsUsed:      len(allFacts),
		ChunksCreated:  len(chunks),
		FactsExtracted: factsStored,
		Scenario:       govResult.Scenario,
	}, nil
}

func (o *orchestrator) nextTurnID(now time.Time) string {
	n := o.turnSeq.Add(1)
	return fmt.Sprintf("turn_%d_%d", now.UnixNano(), n)
}

// resolveBlock executes one of the four routing scenarios: continuation
// appends to the matched (already-active) block; resumption reactivates
// a matched, non-active block, demoting whatever is active; new-block
// and topic-shift both create a fresh block, chained to whatever was
// last active.
func (o *orchestrator) resolveBlock(ctx context.Context, dayID string, govResult governor.Result, now time.Time) (uuid.UUID, error) {
	switch govResult.Scenario {
	case governor.ScenarioContinuation:
		return *govResult.Route.MatchedBlockID, nil
	case governor.ScenarioResumption:
		blockID := *govResult.Route.MatchedBlockID
		if err := o.blocks.UpdateStatus(ctx, domainagg.UpdateStatusInput{
			BlockID: blockID,
			DayID:   dayID,
			Status:  string(domainhmlr.BlockStatusActive),
			Now:     now,
		}); err != nil {
			return uuid.Nil, err
		}
		return blockID, nil
	default:
		var prev *uuid.UUID
		if active, err := o.blocks.GetActive(ctx, dayID); err == nil && active != nil {
			id := active.ID
			prev = &id
		}
		label := strings.TrimSpace(govResult.Route.SuggestedLabel)
		if label == "" {
			label = "General Conversation"
		}
		result, err := o.blocks.Create(ctx, domainagg.CreateBlockInput{
			DayID:       dayID,
			TopicLabel:  label,
			PrevBlockID: prev,
			Now:         now,
		})
		if err != nil {
			return uuid.Nil, err
		}
		return result.BlockID, nil
	}
}

func (o *orchestrator) recordTurnLineage(ctx context.Context, turnID string, blockID uuid.UUID, memoryVectorID string, chunks []domainhmlr.Chunk) {
	record := func(itemID string, itemType domainhmlr.ItemType, derivedFrom []string, derivedBy string) {
		if err := o.tracker.RecordLineage(ctx, itemID, itemType, derivedFrom, derivedBy); err != nil {
			o.log.Warn("lineage record failed", "item_id", itemID, "item_type", itemType, "error", err)
		}
	}
	record(turnID, domainhmlr.ItemTypeTurn, []string{blockID.String()}, chatSendMessageOp)
	record(memoryVectorID, domainhmlr.ItemTypeMemory, []string{turnID}, chatSendMessageOp)
	for _, c := range chunks {
		derived := []string{turnID, blockID.String()}
		if c.ParentChunkID != nil {
			derived = append(derived, *c.ParentChunkID)
		}
		record(c.ID, domainhmlr.ItemTypeChunk, derived, chunkEngineOp)
	}
}

// extractedFact is one candidate fact surfaced from a message, before
// dedup/persistence. Grounded on the teacher pack's profile extractor
// shape (ExtractedFact), adapted to the codebase's GenerateJSON-with-
// fallback idiom rather than its raw JSON-cleanup parsing.
type extractedFact struct {
	Key        string
	Value      string
	Category   string
	Confidence float64
}

type factExtractionResponse struct {
	Facts []struct {
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
}

const factExtractionSystemPrompt = "Extract durable facts about the user from this message: preferences, identity details, goals, relationships, constraints. Respond only with the requested JSON fields. If nothing durable is present, return an empty facts array."

var factExtractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"facts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":        map[string]any{"type": "string"},
					"value":      map[string]any{"type": "string"},
					"category":   map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
				},
				"required": []string{"key", "value"},
			},
		},
	},
	"required": []string{"facts"},
}

// extractFacts is non-fatal: any failure (no llm configured, call error,
// malformed response) yields no facts rather than aborting the turn.
func (o *orchestrator) extractFacts(ctx context.Context, text string) []extractedFact {
	if o.llm == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	raw, err := o.llm.GenerateJSON(ctx, factExtractionSystemPrompt, text, "fact_extraction", factExtractionSchema)
	if err != nil {
		o.log.Warn("fact extraction llm call failed", "error", err)
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var resp factExtractionResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		o.log.Warn("fact extraction malformed llm response", "error", err)
		return nil
	}
	out := make([]extractedFact, 0, len(resp.Facts))
	for _, f := range resp.Facts {
		if strings.TrimSpace(f.Key) == "" || strings.TrimSpace(f.Value) == "" {
			continue
		}
		out = append(out, extractedFact{Key: f.Key, Value: f.Value, Category: f.Category, Confidence: f.Confidence})
	}
	return out
}

func (o *orchestrator) persistFacts(ctx context.Context, extracted []extractedFact, blockID uuid.UUID, turnID string) int {
	if len(extracted) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(extracted))
	ins := make([]factstore.StoreInput, 0, len(extracted))
	for _, f := range extracted {
		key := strings.ToLower(strings.TrimSpace(f.Key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		var category *string
		if strings.TrimSpace(f.Category) != "" {
			c := f.Category
			category = &c
		}
		tid := turnID
		ins = append(ins, factstore.StoreInput{
			Key:        key,
			Value:      f.Value,
			Category:   category,
			BlockID:    blockID,
			TurnID:     &tid,
			Confidence: f.Confidence,
		})
	}
	if len(ins) == 0 {
		return 0
	}
	results, err := o.facts.StoreBatch(ctx, ins)
	if err != nil {
		o.log.Warn("persist extracted facts failed", "block_id", blockID, "error", err)
		return 0
	}
	for _, res := range results {
		factID := res.FactID
		if err := o.tracker.RecordLineage(ctx, factID.String(), domainhmlr.ItemTypeFact, []string{turnID, blockID.String()}, factScrubberOp); err != nil {
			o.log.Warn("lineage record failed", "item_id", factID, "error", err)
		}
	}
	return len(results)
}

func (o *orchestrator) scheduleScribe(ctx context.Context, userID, dayID string) {
	if o.jobs == nil {
		return
	}
	payload, err := scribe.EncodeDaySynthesisPayload(userID, dayID)
	if err != nil {
		o.log.Warn("encode scribe payload failed", "user_id", userID, "day_id", dayID, "error", err)
		return
	}
	if _, err := o.jobs.Enqueue(dbctx.Context{Ctx: ctx}, scribe.DaySynthesisJobType, payload); err != nil {
		o.log.Warn("scribe job enqueue failed", "user_id", userID, "day_id", dayID, "error", err)
	}
}

const systemPrompt = "You are a helpful assistant with access to the user's conversation history, known facts, and profile context. Use them to answer naturally and consistently."

type responseMetadata struct {
	TopicLabel    string   `json:"topic_label"`
	Summary       string   `json:"summary"`
	Affect        string   `json:"affect"`
	OpenLoops     []string `json:"open_loops"`
	DecisionsMade []string `json:"decisions_made"`
	Keywords      []string `json:"keywords"`
}

func parseResponseMetadata(response string) responseMetadata {
	raw, ok := hydrator.ExtractMetadataJSON(response)
	if !ok {
		return responseMetadata{}
	}
	var meta responseMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return responseMetadata{}
	}
	return meta
}
